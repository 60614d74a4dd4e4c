package networking

import (
	"encoding/json"
	"fmt"

	"paddleduel/broker/internal/simulation"
)

// MessageType discriminates the JSON envelopes exchanged over the socket.
type MessageType string

const (
	TypeInput   MessageType = "input"
	TypeStart   MessageType = "start"
	TypeState   MessageType = "state"
	TypeEnd     MessageType = "end"
	TypeWaiting MessageType = "waiting"
	TypeError   MessageType = "error"
)

// EndReason explains why a session ended.
type EndReason string

const (
	ReasonScore      EndReason = "score"
	ReasonDisconnect EndReason = "disconnect"
	ReasonAbort      EndReason = "abort"
)

// Opponent describes the other participant in a start message.
type Opponent struct {
	UserName string `json:"userName"`
}

// StartMessage is sent once to each participant when a session is created.
type StartMessage struct {
	Type     MessageType `json:"type"`
	Opponent Opponent    `json:"opponent"`
	Side     string      `json:"side"`
}

// Point is a planar position on the wire.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SidePair carries one value per participant.
type SidePair[T any] struct {
	P1 T `json:"p1"`
	P2 T `json:"p2"`
}

// StateMessage is the per-tick snapshot.
type StateMessage struct {
	Type    MessageType       `json:"type"`
	Tick    uint64            `json:"tick"`
	Ball    Point             `json:"ball"`
	Paddles SidePair[float64] `json:"paddles"`
	Score   SidePair[int]     `json:"score"`
}

// EndMessage is the terminal message of a session. Winner encodes as null when absent.
type EndMessage struct {
	Type   MessageType `json:"type"`
	Reason EndReason   `json:"reason"`
	Winner *string     `json:"winner"`
}

// WaitingMessage acknowledges that the caller joined the queue.
type WaitingMessage struct {
	Type MessageType `json:"type"`
}

// ErrorMessage reports a rejected request without closing the connection.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// FrameKind controls how an outbox treats a frame.
type FrameKind int

const (
	// FrameControl frames are never dropped.
	FrameControl FrameKind = iota
	// FrameSnapshot frames may be superseded by a newer snapshot.
	FrameSnapshot
	// FrameTerminal is a control frame after which the connection is closed.
	FrameTerminal
)

func (k FrameKind) String() string {
	switch k {
	case FrameSnapshot:
		return "snapshot"
	case FrameTerminal:
		return "terminal"
	default:
		return "control"
	}
}

// Frame is an encoded message ready for delivery.
type Frame struct {
	Kind    FrameKind
	Type    MessageType
	Tick    uint64
	Payload []byte
}

func encode(kind FrameKind, msgType MessageType, tick uint64, message any) (Frame, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Frame{Kind: kind, Type: msgType, Tick: tick, Payload: payload}, nil
}

// StartFrame announces the opponent and the recipient's side.
func StartFrame(side simulation.Side, opponentName string) (Frame, error) {
	return encode(FrameControl, TypeStart, 0, StartMessage{
		Type:     TypeStart,
		Opponent: Opponent{UserName: opponentName},
		Side:     string(side),
	})
}

// StateFrame converts the authoritative state into a snapshot frame.
func StateFrame(state simulation.State) (Frame, error) {
	return encode(FrameSnapshot, TypeState, state.Tick, StateMessage{
		Type:    TypeState,
		Tick:    state.Tick,
		Ball:    Point{X: state.Ball.X, Y: state.Ball.Y},
		Paddles: SidePair[float64]{P1: state.Paddles.P1, P2: state.Paddles.P2},
		Score:   SidePair[int]{P1: state.Score.P1, P2: state.Score.P2},
	})
}

// EndFrame builds the terminal frame; SideNone yields a null winner.
func EndFrame(reason EndReason, winner simulation.Side) (Frame, error) {
	message := EndMessage{Type: TypeEnd, Reason: reason}
	if winner.Valid() {
		w := string(winner)
		message.Winner = &w
	}
	return encode(FrameTerminal, TypeEnd, 0, message)
}

// WaitingFrame tells a queued client it is waiting for an opponent.
func WaitingFrame() (Frame, error) {
	return encode(FrameControl, TypeWaiting, 0, WaitingMessage{Type: TypeWaiting})
}

// ErrorFrame reports a recoverable rejection.
func ErrorFrame(code, message string) (Frame, error) {
	return encode(FrameControl, TypeError, 0, ErrorMessage{Type: TypeError, Code: code, Message: message})
}
