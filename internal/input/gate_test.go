package input

import (
	"errors"
	"sync"
	"testing"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/simulation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGateRateLimitsRepeatedCommands(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{MinInterval: 10 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))

	//1.- The first frame always passes and seeds the interval.
	if decision := gate.Evaluate("conn-1", simulation.CommandUp); !decision.Accepted {
		t.Fatalf("first frame rejected: %+v", decision)
	}
	clock.Advance(4 * time.Millisecond)
	if decision := gate.Evaluate("conn-1", simulation.CommandUp); decision.Accepted || decision.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit, got %+v", decision)
	}
	//2.- Other clients are tracked independently.
	if decision := gate.Evaluate("conn-2", simulation.CommandUp); !decision.Accepted {
		t.Fatalf("independent client rejected: %+v", decision)
	}
	clock.Advance(6 * time.Millisecond)
	if decision := gate.Evaluate("conn-1", simulation.CommandUp); !decision.Accepted {
		t.Fatalf("expected frame after interval to pass, got %+v", decision)
	}

	if got := gate.Metrics()["conn-1"].RateLimited; got != 1 {
		t.Fatalf("rate limited drops = %d, want 1", got)
	}
}

func TestGateNeverDropsDirectionChanges(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{MinInterval: 10 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))

	//1.- A burst of down then stop must leave stop as the applied intent.
	if decision := gate.Evaluate("conn-1", simulation.CommandDown); !decision.Accepted {
		t.Fatalf("first frame rejected: %+v", decision)
	}
	if decision := gate.Evaluate("conn-1", simulation.CommandStop); !decision.Accepted {
		t.Fatalf("direction change throttled: %+v", decision)
	}
	if decision := gate.Evaluate("conn-1", simulation.CommandDown); !decision.Accepted {
		t.Fatalf("reversal throttled: %+v", decision)
	}
	//2.- Only the repeat within the interval is dropped.
	if decision := gate.Evaluate("conn-1", simulation.CommandDown); decision.Accepted {
		t.Fatalf("expected repeated command to be throttled, got %+v", decision)
	}
	if got := gate.Totals().RateLimited; got != 1 {
		t.Fatalf("rate limited drops = %d, want 1", got)
	}
}

func TestGateCountsMalformedAndForgets(t *testing.T) {
	gate := NewGate(Config{}, logging.NewTestLogger())
	gate.RecordMalformed("conn-1", errors.New("bad json"))
	gate.RecordMalformed("conn-1", ErrMalformedInput)

	if got := gate.Metrics()["conn-1"].Malformed; got != 2 {
		t.Fatalf("malformed drops = %d, want 2", got)
	}
	gate.Forget("conn-1")
	if len(gate.Metrics()) != 0 {
		t.Fatal("expected per-client counters cleared")
	}
	if gate.Totals().Malformed != 2 {
		t.Fatalf("totals must survive Forget, got %+v", gate.Totals())
	}
}

func TestGateDisabledIntervalAcceptsEverything(t *testing.T) {
	gate := NewGate(Config{MinInterval: -time.Second}, nil)
	for i := 0; i < 5; i++ {
		if !gate.Evaluate("conn", simulation.CommandDown).Accepted {
			t.Fatal("zero interval must not throttle")
		}
	}
}
