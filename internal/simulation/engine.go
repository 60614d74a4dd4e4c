package simulation

import (
	"errors"
	"math/rand/v2"
	"time"

	"paddleduel/broker/internal/physics"
)

var (
	// ErrEnded is returned when a command targets a match that already finished.
	ErrEnded = errors.New("simulation ended")
	// ErrUnknownSide is returned when a command names neither participant.
	ErrUnknownSide = errors.New("unknown side")
)

// StepResult describes what happened during a single Step.
type StepResult struct {
	State  State
	Scorer Side
	Served bool
	// Ended is true only on the step that transitioned the match to StatusEnded.
	Ended bool
}

// Engine is the authoritative simulation of one match. It is not safe for concurrent use;
// the owning loop serialises every call.
type Engine struct {
	params   Params
	state    State
	pending  [2]*Command
	velocity [2]float64
	awaiting bool
	serveIn  int
	rng      *rand.Rand
}

// EngineOption customises engine construction.
type EngineOption func(*Engine)

// WithInitialState replaces the centred starting state, mainly for tests that need a
// particular ball trajectory. A moving ball skips the opening serve.
func WithInitialState(state State) EngineOption {
	return func(e *Engine) {
		e.state = state
		e.awaiting = state.Ball.VX == 0 && state.Ball.VY == 0
	}
}

// WithRand injects the pseudo-random source used to pick serve directions.
func WithRand(rng *rand.Rand) EngineOption {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// NewEngine builds an engine with the ball centred and at rest pending the opening serve.
func NewEngine(params Params, opts ...EngineOption) *Engine {
	engine := &Engine{
		params:   params,
		awaiting: true,
		serveIn:  params.ServeDelayTicks,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	engine.state = State{
		Ball:    Ball{X: params.Width / 2, Y: params.Height / 2},
		Paddles: Paddles{P1: params.Height / 2, P2: params.Height / 2},
		Status:  StatusActive,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Params exposes the geometry the engine was built with.
func (e *Engine) Params() Params { return e.params }

// State returns a copy of the current state.
func (e *Engine) State() State { return e.state }

// Queue buffers a paddle command for side. Only the latest command per side survives until
// the next step consumes it.
func (e *Engine) Queue(side Side, cmd Command) error {
	if e.state.Status == StatusEnded {
		return ErrEnded
	}
	if !side.Valid() {
		return ErrUnknownSide
	}
	c := cmd
	e.pending[side.index()] = &c
	return nil
}

// Finish forces the match to end with winner (which may be SideNone). It reports false when the
// match had already ended.
func (e *Engine) Finish(winner Side) bool {
	if e.state.Status == StatusEnded {
		return false
	}
	e.state.Status = StatusEnded
	e.state.Winner = winner
	return true
}

// Step advances the match by one tick. Steps after the match ended are no-ops.
func (e *Engine) Step() StepResult {
	if e.state.Status == StatusEnded {
		return StepResult{State: e.state}
	}
	dt := e.params.StepSeconds()
	result := StepResult{}

	//1.- Apply buffered commands then move and clamp both paddles.
	e.movePaddle(SideP1, dt)
	e.movePaddle(SideP2, dt)

	//2.- Hold the ball at centre until the serve delay elapses.
	if e.awaiting {
		if e.serveIn > 0 {
			e.serveIn--
			e.state.Tick++
			result.State = e.state
			return result
		}
		e.serve()
		result.Served = true
	}

	//3.- Integrate, then resolve wall bounces against the closed field bounds.
	ball := &e.state.Ball
	prev := physics.Vec2{X: ball.X, Y: ball.Y}
	next := physics.Integrate(prev, physics.Vec2{X: ball.VX, Y: ball.VY}, dt)
	ball.X = next.X
	ball.Y, ball.VY, _ = physics.ReflectWall(next.Y, ball.VY, 0, e.params.Height)

	//4.- Check the paddle plane the ball is travelling towards.
	if scorer := e.resolvePaddle(prev, next); scorer != SideNone {
		result.Scorer = scorer
		total := e.state.Score.increment(scorer)
		if total >= e.params.WinScore {
			e.state.Status = StatusEnded
			e.state.Winner = scorer
			result.Ended = true
		} else {
			e.resetBall()
		}
	}

	e.state.Tick++
	result.State = e.state
	return result
}

func (e *Engine) movePaddle(side Side, dt float64) {
	idx := side.index()
	if cmd := e.pending[idx]; cmd != nil {
		switch *cmd {
		case CommandUp:
			e.velocity[idx] = -e.params.PaddleSpeed
		case CommandDown:
			e.velocity[idx] = e.params.PaddleSpeed
		default:
			e.velocity[idx] = 0
		}
		e.pending[idx] = nil
	}
	half := e.params.PaddleHeight / 2
	y := e.state.Paddles.Of(side) + e.velocity[idx]*dt
	e.state.Paddles.set(side, physics.Clamp(y, half, e.params.Height-half))
}

// resolvePaddle returns the side that scored on this step, or SideNone.
func (e *Engine) resolvePaddle(prev, next physics.Vec2) Side {
	ball := &e.state.Ball
	var (
		planeX   float64
		defender Side
		dir      float64
	)
	switch {
	case ball.VX < 0:
		planeX, defender, dir = e.params.PaddleInset, SideP1, -1
	case ball.VX > 0:
		planeX, defender, dir = e.params.Width-e.params.PaddleInset, SideP2, 1
	default:
		return SideNone
	}
	contactY, crossed := physics.PlaneCrossing(prev, next, planeX, dir)
	if !crossed {
		return SideNone
	}
	contactY = physics.Clamp(contactY, 0, e.params.Height)
	centre := e.state.Paddles.Of(defender)
	if !physics.Overlaps(contactY, centre, e.params.PaddleHeight) {
		return defender.Opponent()
	}
	out := physics.Deflect(physics.Vec2{X: ball.VX, Y: ball.VY}, contactY, centre, e.params.PaddleHeight, e.params.MaxBounceDeg, -dir)
	ball.X = planeX
	ball.Y = contactY
	ball.VX = out.X
	ball.VY = out.Y
	return SideNone
}

func (e *Engine) serve() {
	e.awaiting = false
	e.resetBall()
}

// resetBall recentres the ball and launches it towards a random side at the default speed.
func (e *Engine) resetBall() {
	dir := 1.0
	if e.rng.IntN(2) == 0 {
		dir = -1
	}
	spread := e.params.MaxBounceDeg / 2
	angle := (e.rng.Float64()*2 - 1) * spread
	velocity := physics.Heading(e.params.BallSpeed, angle, dir)
	e.state.Ball = Ball{X: e.params.Width / 2, Y: e.params.Height / 2, VX: velocity.X, VY: velocity.Y}
}
