package simulation

import (
	"fmt"
	"strings"
)

// Side identifies one of the two participants of a match.
type Side string

const (
	SideNone Side = ""
	SideP1   Side = "p1"
	SideP2   Side = "p2"
)

// Valid reports whether the side names a participant.
func (s Side) Valid() bool { return s == SideP1 || s == SideP2 }

// Opponent returns the other participant.
func (s Side) Opponent() Side {
	switch s {
	case SideP1:
		return SideP2
	case SideP2:
		return SideP1
	default:
		return SideNone
	}
}

func (s Side) index() int {
	if s == SideP2 {
		return 1
	}
	return 0
}

// Command is the paddle intent a player can submit.
type Command int

const (
	CommandStop Command = iota
	CommandUp
	CommandDown
)

func (c Command) String() string {
	switch c {
	case CommandUp:
		return "up"
	case CommandDown:
		return "down"
	default:
		return "stop"
	}
}

// ParseCommand maps the wire direction onto a Command.
func ParseCommand(raw string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "up":
		return CommandUp, nil
	case "down":
		return CommandDown, nil
	case "stop":
		return CommandStop, nil
	default:
		return CommandStop, fmt.Errorf("unknown direction %q", raw)
	}
}

// Status tracks the lifecycle of a simulated match.
type Status int

const (
	StatusActive Status = iota
	StatusEnded
)

func (s Status) String() string {
	if s == StatusEnded {
		return "ended"
	}
	return "active"
}

// Ball holds the ball position and velocity in playfield units and units per second.
type Ball struct {
	X  float64
	Y  float64
	VX float64
	VY float64
}

// Paddles holds the vertical centre of each paddle.
type Paddles struct {
	P1 float64
	P2 float64
}

// Of returns the paddle centre for side.
func (p Paddles) Of(side Side) float64 {
	if side == SideP2 {
		return p.P2
	}
	return p.P1
}

func (p *Paddles) set(side Side, y float64) {
	if side == SideP2 {
		p.P2 = y
		return
	}
	p.P1 = y
}

// Score counts points per side.
type Score struct {
	P1 int
	P2 int
}

// Of returns the points of side.
func (s Score) Of(side Side) int {
	if side == SideP2 {
		return s.P2
	}
	return s.P1
}

func (s *Score) increment(side Side) int {
	if side == SideP2 {
		s.P2++
		return s.P2
	}
	s.P1++
	return s.P1
}

// State is the authoritative game state of a session.
type State struct {
	Tick    uint64
	Ball    Ball
	Paddles Paddles
	Score   Score
	Status  Status
	Winner  Side
}
