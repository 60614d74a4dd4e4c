package input

import (
	"sync"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/simulation"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the throughput gate applied to client inputs.
type Config struct {
	MinInterval time.Duration
}

// DropReason enumerates why a frame was rejected.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonMalformed   DropReason = "malformed"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Malformed   uint64 `json:"malformed"`
	RateLimited uint64 `json:"rate_limited"`
}

func (c *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonMalformed:
		c.Malformed++
	case DropReasonRateLimited:
		c.RateLimited++
	}
}

// Gate throttles clients that repeat the same paddle command. A frame repeating the last accepted
// command sooner than MinInterval after it is dropped, which changes nothing because that command
// is already in effect. A new direction always passes so the latest intent reaches the next tick.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	logger   *logging.Logger
	accepted map[string]acceptedInput
	drops    map[string]DropCounters
	totals   DropCounters
}

type acceptedInput struct {
	at      time.Time
	command simulation.Command
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for interval calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
		accepted: make(map[string]acceptedInput),
		drops:    make(map[string]DropCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate decides whether a well-formed command from clientID may be applied.
func (g *Gate) Evaluate(clientID string, cmd simulation.Command) Decision {
	if g == nil || clientID == "" {
		return Decision{Accepted: true}
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	last, seen := g.accepted[clientID]
	if seen && last.command == cmd && g.cfg.MinInterval > 0 && now.Sub(last.at) < g.cfg.MinInterval {
		g.recordLocked(clientID, DropReasonRateLimited)
		return Decision{Accepted: false, Reason: DropReasonRateLimited}
	}
	g.accepted[clientID] = acceptedInput{at: now, command: cmd}
	return Decision{Accepted: true}
}

// RecordMalformed counts a frame that failed to decode.
func (g *Gate) RecordMalformed(clientID string, err error) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.recordLocked(clientID, DropReasonMalformed)
	g.mu.Unlock()
	g.logger.Debug("ignored malformed input", logging.String("client_id", clientID), logging.Error(err))
}

func (g *Gate) recordLocked(clientID string, reason DropReason) {
	counters := g.drops[clientID]
	counters.add(reason)
	g.drops[clientID] = counters
	g.totals.add(reason)
}

// Forget clears per-client state when the connection closes. Totals are retained.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.accepted, clientID)
	delete(g.drops, clientID)
	g.mu.Unlock()
}

// Metrics returns a copy of the per-client drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(g.drops))
	for clientID, counters := range g.drops {
		clone[clientID] = counters
	}
	return clone
}

// Totals returns drop counters accumulated over the process lifetime.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totals
}
