package simulation

import (
	"sync"
	"time"
)

// ManualTicker is a Ticker driven explicitly by tests. Fire blocks until the loop has received
// the tick, so a task posted afterwards observes the completed step.
type ManualTicker struct {
	interval time.Duration
	now      time.Time
	ch       chan time.Time
	stopped  chan struct{}
	once     sync.Once
	ready    chan struct{}
	readyOne sync.Once
}

// NewManualTicker creates a ticker whose clock starts at start.
func NewManualTicker(start time.Time) *ManualTicker {
	return &ManualTicker{
		now:     start,
		ch:      make(chan time.Time),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Factory adapts the ticker for WithTickerFactory. The loop interval is captured on first use.
func (m *ManualTicker) Factory() TickerFactory {
	return func(interval time.Duration) Ticker {
		m.interval = interval
		m.readyOne.Do(func() { close(m.ready) })
		return m
	}
}

// C implements Ticker.
func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Stop implements Ticker.
func (m *ManualTicker) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

// Fire delivers n ticks one interval apart. It reports false if the loop stopped first or did not
// accept a tick within a second.
func (m *ManualTicker) Fire(n int) bool {
	select {
	case <-m.ready:
	case <-time.After(time.Second):
		return false
	}
	for i := 0; i < n; i++ {
		m.now = m.now.Add(m.interval)
		select {
		case m.ch <- m.now:
		case <-m.stopped:
			return false
		case <-time.After(time.Second):
			return false
		}
	}
	return true
}
