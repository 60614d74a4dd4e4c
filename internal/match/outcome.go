package match

import (
	"context"
	"errors"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

// Outcome is handed to the reporting layer once a session has been disposed.
type Outcome struct {
	SessionID string               `json:"sessionId"`
	Reason    networking.EndReason `json:"reason"`
	Winner    simulation.Side      `json:"winner,omitempty"`
	Score     simulation.Score     `json:"score"`
	P1        Identity             `json:"p1"`
	P2        Identity             `json:"p2"`
	Ticks     uint64               `json:"ticks"`
	StartedAt time.Time            `json:"startedAt"`
	EndedAt   time.Time            `json:"endedAt"`
}

// WinnerIdentity resolves the winning user, if any.
func (o Outcome) WinnerIdentity() (Identity, bool) {
	switch o.Winner {
	case simulation.SideP1:
		return o.P1, true
	case simulation.SideP2:
		return o.P2, true
	default:
		return Identity{}, false
	}
}

// OutcomeReporter persists or forwards match results.
type OutcomeReporter interface {
	Report(ctx context.Context, outcome Outcome) error
}

// ReporterFunc adapts a function into an OutcomeReporter.
type ReporterFunc func(ctx context.Context, outcome Outcome) error

// Report implements OutcomeReporter.
func (f ReporterFunc) Report(ctx context.Context, outcome Outcome) error { return f(ctx, outcome) }

// TimingHook observes how long a collaborator call took.
type TimingHook func(operation string, elapsed time.Duration, err error)

// MultiReporter forwards an outcome to every reporter and joins their errors.
type MultiReporter []OutcomeReporter

// Report implements OutcomeReporter.
func (m MultiReporter) Report(ctx context.Context, outcome Outcome) error {
	var errs []error
	for _, reporter := range m {
		if reporter == nil {
			continue
		}
		if err := reporter.Report(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes every outcome as a structured log record.
type LogReporter struct {
	Logger *logging.Logger
}

// Report implements OutcomeReporter.
func (l LogReporter) Report(_ context.Context, outcome Outcome) error {
	l.Logger.Info("match finished",
		logging.String("session_id", outcome.SessionID),
		logging.String("reason", string(outcome.Reason)),
		logging.String("winner", string(outcome.Winner)),
		logging.Int("score_p1", outcome.Score.P1),
		logging.Int("score_p2", outcome.Score.P2),
		logging.Int64("p1_sub", outcome.P1.Sub),
		logging.Int64("p2_sub", outcome.P2.Sub),
		logging.Uint64("ticks", outcome.Ticks),
		logging.Duration("duration", outcome.EndedAt.Sub(outcome.StartedAt)),
	)
	return nil
}
