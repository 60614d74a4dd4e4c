package match

import (
	"context"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
)

// QueueTimeoutCode is the error code sent to waiting connections evicted by the sweep.
const QueueTimeoutCode = "queue_timeout"

// Monitor routes connection terminations to the stage the identity occupies and evicts stale
// waiting entries.
type Monitor struct {
	queue       *Matchmaker
	registry    *Registry
	broadcaster *networking.Broadcaster
	logger      *logging.Logger
	timeout     time.Duration
	interval    time.Duration
	now         func() time.Time
}

// MonitorOption customises the lifecycle monitor.
type MonitorOption func(*Monitor)

// WithQueueTimeout evicts entries that waited longer than timeout. Zero disables eviction.
func WithQueueTimeout(timeout time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = timeout }
}

// WithSweepInterval sets how often Run sweeps the queue.
func WithSweepInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithMonitorClock overrides the clock used by Run.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewMonitor wires the monitor to the queue and registry it watches.
func NewMonitor(queue *Matchmaker, registry *Registry, broadcaster *networking.Broadcaster, logger *logging.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = logging.L()
	}
	if broadcaster == nil {
		broadcaster = networking.NewBroadcaster(logger)
	}
	m := &Monitor{
		queue:       queue,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
		interval:    time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// PeerClosed handles the termination of an admitted connection. Only the entry owned by peer is
// touched, so a rejected duplicate closing never evicts the original connection.
func (m *Monitor) PeerClosed(identity Identity, peer Peer) {
	if peer == nil {
		return
	}
	//1.- A waiting entry simply leaves the queue.
	if m.queue != nil && m.queue.DequeuePeer(identity.Sub, peer) {
		m.logger.Debug("waiting identity left", logging.Int64("sub", identity.Sub))
		return
	}
	//2.- A participant's disconnect is resolved by its session at the next tick.
	if m.registry == nil {
		return
	}
	if session, ok := m.registry.BySub(identity.Sub); ok {
		if session.Disconnect(peer) {
			session.logger.Info("participant disconnected", logging.Int64("sub", identity.Sub))
		}
	}
}

// Sweep evicts entries queued before now minus the timeout and returns how many left.
func (m *Monitor) Sweep(now time.Time) int {
	if m.queue == nil || m.timeout <= 0 {
		return 0
	}
	evicted := m.queue.EvictOlderThan(now.Add(-m.timeout))
	for _, item := range evicted {
		m.expel(item.Peer, QueueTimeoutCode, "no opponent found in time")
		m.logger.Info("waiting identity timed out",
			logging.Int64("sub", item.Identity.Sub),
			logging.Duration("waited", now.Sub(item.EnqueuedAt)),
		)
	}
	return len(evicted)
}

// Drain closes every connection still waiting when the broker stops.
func (m *Monitor) Drain() int {
	if m.queue == nil {
		return 0
	}
	drained := m.queue.Close()
	for _, item := range drained {
		m.expel(item.Peer, "shutting_down", "broker is shutting down")
	}
	return len(drained)
}

// expel queues a terminal error so the writer flushes it before closing the connection.
func (m *Monitor) expel(peer Peer, code, message string) {
	if peer == nil {
		return
	}
	frame, err := networking.ErrorFrame(code, message)
	if err == nil {
		frame.Kind = networking.FrameTerminal
		if m.broadcaster.Send(peer, frame) {
			return
		}
	}
	peer.Close()
}

// Run sweeps the queue until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.timeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
