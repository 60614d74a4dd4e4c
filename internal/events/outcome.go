package events

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"paddleduel/broker/internal/match"
)

// OutcomeStruct renders a match outcome as a protobuf Struct. The winner is null when nobody won.
func OutcomeStruct(outcome match.Outcome) (*structpb.Struct, error) {
	var winner any
	if outcome.Winner.Valid() {
		winner = string(outcome.Winner)
	}
	return structpb.NewStruct(map[string]any{
		"sessionId": outcome.SessionID,
		"reason":    string(outcome.Reason),
		"winner":    winner,
		"score": map[string]any{
			"p1": outcome.Score.P1,
			"p2": outcome.Score.P2,
		},
		"players": map[string]any{
			"p1": identityValue(outcome.P1),
			"p2": identityValue(outcome.P2),
		},
		"ticks":     outcome.Ticks,
		"startedAt": outcome.StartedAt.UTC().Format(time.RFC3339Nano),
		"endedAt":   outcome.EndedAt.UTC().Format(time.RFC3339Nano),
	})
}

func identityValue(identity match.Identity) map[string]any {
	return map[string]any{"sub": identity.Sub, "userName": identity.UserName}
}

// Reporter appends every match outcome to the stream.
type Reporter struct {
	Stream *Stream
}

// Report implements match.OutcomeReporter.
func (r Reporter) Report(ctx context.Context, outcome match.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := OutcomeStruct(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome %s: %w", outcome.SessionID, err)
	}
	if _, err := r.Stream.Publish(KindMatchEnded, payload); err != nil {
		return fmt.Errorf("publish outcome %s: %w", outcome.SessionID, err)
	}
	return nil
}
