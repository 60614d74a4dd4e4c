package match

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

type stubPeer struct {
	id     string
	outbox *networking.Outbox
	done   chan struct{}
	once   sync.Once
}

func newStubPeer(id string) *stubPeer {
	return &stubPeer{id: id, outbox: networking.NewOutbox(), done: make(chan struct{})}
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) Outbox() *networking.Outbox { return p.outbox }

func (p *stubPeer) Done() <-chan struct{} { return p.done }

func (p *stubPeer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.outbox.Close()
	})
}

func (p *stubPeer) item(sub int64) WaitingItem {
	return WaitingItem{Peer: p, Identity: Identity{Sub: sub, UserName: p.id}}
}

// messages pops every queued frame and decodes it.
func (p *stubPeer) messages(t *testing.T) []map[string]any {
	t.Helper()
	var decoded []map[string]any
	for {
		frame, ok := p.outbox.Pop()
		if !ok {
			return decoded
		}
		var message map[string]any
		if err := json.Unmarshal(frame.Payload, &message); err != nil {
			t.Fatalf("decode %s frame: %v", frame.Type, err)
		}
		decoded = append(decoded, message)
	}
}

// tickerBank hands every new session loop its own manual ticker.
type tickerBank struct {
	mu      sync.Mutex
	tickers []*simulation.ManualTicker
}

func (b *tickerBank) factory(interval time.Duration) simulation.Ticker {
	ticker := simulation.NewManualTicker(time.Unix(0, 0))
	b.mu.Lock()
	b.tickers = append(b.tickers, ticker)
	b.mu.Unlock()
	return ticker.Factory()(interval)
}

func (b *tickerBank) at(t *testing.T, index int) *simulation.ManualTicker {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if index >= len(b.tickers) {
		t.Fatalf("ticker %d not created, have %d", index, len(b.tickers))
	}
	return b.tickers[index]
}

type recordingReporter struct {
	outcomes chan Outcome
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{outcomes: make(chan Outcome, 8)}
}

func (r *recordingReporter) Report(_ context.Context, outcome Outcome) error {
	r.outcomes <- outcome
	return nil
}

func (r *recordingReporter) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case outcome := <-r.outcomes:
		return outcome
	case <-time.After(time.Second):
		t.Fatalf("outcome not reported")
		return Outcome{}
	}
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *tickerBank) {
	t.Helper()
	bank := &tickerBank{}
	ids := 0
	base := []RegistryOption{
		WithTickerFactory(bank.factory),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		}),
		WithEngineOptions(simulation.WithRand(rand.New(rand.NewPCG(7, 11)))),
	}
	registry := NewRegistry(simulation.DefaultParams(), networking.NewBroadcaster(logging.NewTestLogger()), logging.NewTestLogger(), append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return registry, bank
}

// settle waits until every task posted before it has run, or the session loop has exited.
func settle(t *testing.T, session *Session) {
	t.Helper()
	ran := make(chan struct{})
	if !session.loop.Do(func() { close(ran) }) {
		return
	}
	select {
	case <-ran:
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatalf("session %s did not settle", session.ID())
	}
}

func waitEnded(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatalf("session %s still running", session.ID())
	}
}

func lastOfType(messages []map[string]any, kind string) (map[string]any, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i]["type"] == kind {
			return messages[i], true
		}
	}
	return nil, false
}
