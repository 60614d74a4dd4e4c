package match

import (
	"sync"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
)

// Matchmaker is the FIFO waiting queue. Its lock spans the membership check, the pairing decision
// and the registry insert, so a user is never both waiting and playing.
type Matchmaker struct {
	mu          sync.Mutex
	queue       []*WaitingItem
	index       map[int64]*WaitingItem
	registry    *Registry
	broadcaster *networking.Broadcaster
	logger      *logging.Logger
	now         func() time.Time
	closed      bool
	paired      uint64
}

// MatchmakerOption customises the matchmaker.
type MatchmakerOption func(*Matchmaker)

// WithMatchmakerClock overrides the clock stamped on waiting items.
func WithMatchmakerClock(clock func() time.Time) MatchmakerOption {
	return func(m *Matchmaker) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewMatchmaker constructs an empty queue feeding registry.
func NewMatchmaker(registry *Registry, broadcaster *networking.Broadcaster, logger *logging.Logger, opts ...MatchmakerOption) *Matchmaker {
	if logger == nil {
		logger = logging.L()
	}
	if broadcaster == nil {
		broadcaster = networking.NewBroadcaster(logger)
	}
	m := &Matchmaker{
		index:       make(map[int64]*WaitingItem),
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Enqueue pairs item with the oldest waiting entry, or queues it when nobody is waiting. A nil
// session with a nil error means the item is now waiting.
func (m *Matchmaker) Enqueue(item WaitingItem) (*Session, error) {
	if item.Peer == nil {
		return nil, ErrSessionNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	sub := item.Identity.Sub
	if _, waiting := m.index[sub]; waiting || m.registry.HasSub(sub) {
		return nil, ErrDuplicateQueue
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = m.now()
	}

	//1.- Pop the oldest entry whose connection is still alive; dead ones are discarded.
	opponent := m.popLocked()
	if opponent == nil {
		m.queue = append(m.queue, &item)
		m.index[sub] = &item
		if frame, err := networking.WaitingFrame(); err == nil {
			m.broadcaster.Send(item.Peer, frame)
		}
		m.logger.Debug("identity queued", logging.Int64("sub", sub), logging.Int("queue_len", len(m.queue)))
		return nil, nil
	}

	//2.- Arrival order decides sides: the earlier arrival plays p1.
	session, err := m.registry.Create(*opponent, item)
	if err != nil {
		m.queue = append([]*WaitingItem{opponent}, m.queue...)
		m.index[opponent.Identity.Sub] = opponent
		return nil, err
	}
	m.paired++
	return session, nil
}

func (m *Matchmaker) popLocked() *WaitingItem {
	for len(m.queue) > 0 {
		head := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		delete(m.index, head.Identity.Sub)
		if !head.closed() {
			return head
		}
		m.logger.Debug("discarded closed waiting entry", logging.Int64("sub", head.Identity.Sub))
	}
	return nil
}

// DequeueIfWaiting removes the user from the queue without pairing. It reports whether the user was
// waiting.
func (m *Matchmaker) DequeueIfWaiting(sub int64) bool {
	return m.dequeue(sub, nil)
}

// DequeuePeer removes the user only when the queued entry belongs to peer.
func (m *Matchmaker) DequeuePeer(sub int64, peer Peer) bool {
	if peer == nil {
		return false
	}
	return m.dequeue(sub, peer)
}

func (m *Matchmaker) dequeue(sub int64, peer Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.index[sub]
	if !ok || (peer != nil && item.Peer != peer) {
		return false
	}
	delete(m.index, sub)
	for i, candidate := range m.queue {
		if candidate == item {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	return true
}

// EvictOlderThan removes every entry queued before cutoff and returns them for the caller to close.
func (m *Matchmaker) EvictOlderThan(cutoff time.Time) []WaitingItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []WaitingItem
	kept := m.queue[:0]
	for _, item := range m.queue {
		if item.EnqueuedAt.Before(cutoff) {
			delete(m.index, item.Identity.Sub)
			evicted = append(evicted, *item)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	return evicted
}

// Contains reports whether the user is waiting.
func (m *Matchmaker) Contains(sub int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[sub]
	return ok
}

// Len returns the number of waiting entries.
func (m *Matchmaker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Paired returns how many sessions the matchmaker has created.
func (m *Matchmaker) Paired() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paired
}

// Close stops pairing and hands back everyone still waiting.
func (m *Matchmaker) Close() []WaitingItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	drained := make([]WaitingItem, 0, len(m.queue))
	for _, item := range m.queue {
		drained = append(drained, *item)
	}
	m.queue = nil
	m.index = make(map[int64]*WaitingItem)
	return drained
}
