package match

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

// SessionInfo is a read-only view of a session for observers on other goroutines.
type SessionInfo struct {
	ID        string           `json:"id"`
	P1        Identity         `json:"p1"`
	P2        Identity         `json:"p2"`
	Tick      uint64           `json:"tick"`
	Score     simulation.Score `json:"score"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Session is one live match. Fields after the loop-owned marker belong to the loop goroutine;
// other goroutines interact through Input, Disconnect and Abort which post to the loop.
type Session struct {
	id          string
	players     [2]Identity
	peers       [2]Peer
	createdAt   time.Time
	now         func() time.Time
	broadcaster *networking.Broadcaster
	logger      *logging.Logger
	loop        *simulation.Loop
	onEnd       func(*Session, Outcome)
	info        atomic.Pointer[SessionInfo]
	finishOnce  sync.Once

	// loop-owned
	engine *simulation.Engine
	gone   [2]bool
	ended  bool
}

func sideIndex(side simulation.Side) int {
	if side == simulation.SideP2 {
		return 1
	}
	return 0
}

func sideAt(index int) simulation.Side {
	if index == 1 {
		return simulation.SideP2
	}
	return simulation.SideP1
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Player returns the identity playing side.
func (s *Session) Player(side simulation.Side) Identity { return s.players[sideIndex(side)] }

// SideOf reports which side peer plays, or SideNone for foreign connections.
func (s *Session) SideOf(peer Peer) simulation.Side {
	for i, candidate := range s.peers {
		if candidate != nil && candidate == peer {
			return sideAt(i)
		}
	}
	return simulation.SideNone
}

// Info returns the latest published view of the session.
func (s *Session) Info() SessionInfo {
	if info := s.info.Load(); info != nil {
		return *info
	}
	return SessionInfo{ID: s.id, P1: s.players[0], P2: s.players[1], CreatedAt: s.createdAt}
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.loop.Done() }

// Input buffers a paddle command from peer for the next tick. Commands from peers that are not part
// of the session report ErrSessionNotFound.
func (s *Session) Input(peer Peer, cmd simulation.Command) error {
	side := s.SideOf(peer)
	if side == simulation.SideNone {
		return ErrSessionNotFound
	}
	if !s.loop.Do(func() {
		if s.ended {
			return
		}
		_ = s.engine.Queue(side, cmd)
	}) {
		return ErrSessionNotFound
	}
	return nil
}

// Disconnect records that peer's connection closed. The session resolves it at the next tick so two
// connections dropping within the same cycle end the match without a winner.
func (s *Session) Disconnect(peer Peer) bool {
	side := s.SideOf(peer)
	if side == simulation.SideNone {
		return false
	}
	return s.loop.Do(func() {
		s.gone[sideIndex(side)] = true
	})
}

// Abort ends the match with reason abort at the next handler boundary.
func (s *Session) Abort() bool {
	return s.loop.Do(func() {
		s.finish(networking.ReasonAbort, simulation.SideNone)
	})
}

// step is the loop's StepFunc.
func (s *Session) step(time.Duration) {
	if s.ended {
		return
	}
	//1.- Pending disconnects are resolved at the tick boundary, before any simulation.
	if s.gone[0] || s.gone[1] {
		winner := simulation.SideNone
		switch {
		case s.gone[0] && !s.gone[1]:
			winner = simulation.SideP2
		case s.gone[1] && !s.gone[0]:
			winner = simulation.SideP1
		}
		s.finish(networking.ReasonDisconnect, winner)
		return
	}

	result := s.engine.Step()
	s.publishInfo(result.State)

	//2.- The final snapshot goes out before the terminal message.
	frame, err := networking.StateFrame(result.State)
	if err != nil {
		panic(fmt.Sprintf("encode state: %v", err))
	}
	s.broadcaster.Publish(frame, s.livePeers()...)

	if result.Ended {
		s.finish(networking.ReasonScore, result.State.Winner)
	}
}

// handlePanic converts a panicking handler into an aborted match.
func (s *Session) handlePanic(value any) {
	s.logger.Error("session handler panicked", logging.Any("panic", fmt.Sprint(value)))
	s.finish(networking.ReasonAbort, simulation.SideNone)
}

// finish performs the single Active to Ended transition. It runs on the loop goroutine, or after the
// loop has exited when the registry disposes a session directly.
func (s *Session) finish(reason networking.EndReason, winner simulation.Side) {
	s.finishOnce.Do(func() {
		s.ended = true
		//1.- Cancel the tick driver before anything touches the connections.
		s.loop.Stop()
		s.engine.Finish(winner)
		state := s.engine.State()
		s.publishInfo(state)

		frame, err := networking.EndFrame(reason, winner)
		if err == nil {
			s.broadcaster.Publish(frame, s.livePeers()...)
		} else {
			s.logger.Error("encode end frame", logging.Error(err))
		}

		outcome := Outcome{
			SessionID: s.id,
			Reason:    reason,
			Winner:    winner,
			Score:     state.Score,
			P1:        s.players[0],
			P2:        s.players[1],
			Ticks:     state.Tick,
			StartedAt: s.createdAt,
			EndedAt:   s.now(),
		}
		s.logger.Info("session ended",
			logging.String("reason", string(reason)),
			logging.String("winner", string(winner)),
			logging.Uint64("tick", state.Tick),
		)
		if s.onEnd != nil {
			s.onEnd(s, outcome)
		}
	})
}

func (s *Session) livePeers() []networking.Recipient {
	recipients := make([]networking.Recipient, 0, 2)
	for i, peer := range s.peers {
		if peer != nil && !s.gone[i] {
			recipients = append(recipients, peer)
		}
	}
	return recipients
}

func (s *Session) publishInfo(state simulation.State) {
	s.info.Store(&SessionInfo{
		ID:        s.id,
		P1:        s.players[0],
		P2:        s.players[1],
		Tick:      state.Tick,
		Score:     state.Score,
		Status:    state.Status.String(),
		CreatedAt: s.createdAt,
	})
}
