package networking

import (
	"errors"

	"paddleduel/broker/internal/logging"
)

// Recipient is a connection able to receive broadcast frames.
type Recipient interface {
	ID() string
	Outbox() *Outbox
}

// Broadcaster fans identical frames out to the participants of a session.
type Broadcaster struct {
	metrics   *SnapshotMetrics
	bandwidth *BandwidthRegulator
	logger    *logging.Logger
}

// BroadcasterOption customises the broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithSnapshotMetrics records publication and drop counters.
func WithSnapshotMetrics(metrics *SnapshotMetrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = metrics }
}

// WithBandwidthRegulator throttles snapshot frames per recipient.
func WithBandwidthRegulator(regulator *BandwidthRegulator) BroadcasterOption {
	return func(b *Broadcaster) { b.bandwidth = regulator }
}

// NewBroadcaster constructs a broadcaster.
func NewBroadcaster(logger *logging.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = logging.L()
	}
	b := &Broadcaster{logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Metrics exposes the snapshot counters.
func (b *Broadcaster) Metrics() *SnapshotMetrics { return b.metrics }

// Bandwidth exposes the regulator.
func (b *Broadcaster) Bandwidth() *BandwidthRegulator { return b.bandwidth }

// Publish queues frame on every recipient. It never blocks: slow connections keep only the latest
// snapshot, and control frames always queue. It returns the number of recipients that accepted it.
func (b *Broadcaster) Publish(frame Frame, recipients ...Recipient) int {
	delivered := 0
	for _, recipient := range recipients {
		if recipient == nil || recipient.Outbox() == nil {
			continue
		}
		if b.deliver(recipient, frame) {
			delivered++
		}
	}
	return delivered
}

// Send queues frame on a single recipient.
func (b *Broadcaster) Send(recipient Recipient, frame Frame) bool {
	if recipient == nil || recipient.Outbox() == nil {
		return false
	}
	return b.deliver(recipient, frame)
}

func (b *Broadcaster) deliver(recipient Recipient, frame Frame) bool {
	id := recipient.ID()
	//1.- Only snapshots are subject to the bandwidth budget, the next tick supersedes a denied one.
	if frame.Kind == FrameSnapshot && !b.bandwidth.Allow(id, len(frame.Payload)) {
		b.metrics.ObserveDrop(DropBandwidth)
		return false
	}
	superseded, err := recipient.Outbox().Push(frame)
	if err != nil {
		if errors.Is(err, ErrOutboxClosed) {
			b.metrics.ObserveDrop(DropClosed)
		} else {
			b.logger.Warn("frame rejected by outbox",
				logging.String("client_id", id),
				logging.String("type", string(frame.Type)),
				logging.Uint64("tick", frame.Tick),
				logging.Error(err),
			)
		}
		return false
	}
	if superseded {
		b.metrics.ObserveDrop(DropSuperseded)
	}
	b.metrics.ObservePublished(id, frame)
	return true
}

// Forget releases per-recipient bookkeeping once a connection is gone.
func (b *Broadcaster) Forget(id string) {
	b.bandwidth.Forget(id)
	b.metrics.ForgetClient(id)
}
