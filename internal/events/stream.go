package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind enumerates the payloads carried by the stream.
type Kind string

const (
	// KindMatchEnded carries a finished match outcome.
	KindMatchEnded Kind = "match_ended"
)

// Envelope carries a structured payload together with sequencing metadata.
type Envelope struct {
	Sequence   uint64
	Kind       Kind
	RecordedAt time.Time
	Payload    *structpb.Struct
}

// Clone duplicates the payload so consumers can mutate their copy safely.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		if msg, ok := proto.Clone(e.Payload).(*structpb.Struct); ok {
			clone.Payload = msg
		}
	}
	return &clone
}

// Config controls the retention policy for the stream log and subscriber buffers.
type Config struct {
	Retain int
	Clock  func() time.Time
}

const defaultRetention = 512

// Stream coordinates ordered event delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	now         func() time.Time
	logOrder    []uint64
	logPayloads map[uint64]*Envelope
	subscribers map[string]*subscriberState
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	done    chan struct{}
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	done   chan struct{}
	once   sync.Once
}

var (
	// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
	ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")
	// ErrUnknownSubscriber is returned when acknowledging for an id that never subscribed.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// Stats summarises the stream for observability endpoints.
type Stats struct {
	LastSequence uint64
	Retained     int
	Subscribers  int
	Active       int
}

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Stream{
		retention:   retention,
		now:         now,
		logPayloads: make(map[uint64]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches the logical subscriber to the stream and replays outstanding events. A
// subscriber reconnecting under the same id replaces its previous subscription.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	if state.active {
		close(state.done)
	}
	replay := s.collectReplayLocked(state)
	ch := make(chan *Envelope, buffer)
	done := make(chan struct{})
	state.ch = ch
	state.done = done
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	go func() {
		//1.- Replay outstanding events right after subscription; live ones may interleave.
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ch <- env:
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch, done: done}, nil
}

// Events exposes the ordered delivery channel for the subscriber.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Done is closed when the subscription is closed or replaced by a newer one.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// ID returns the logical subscriber id.
func (s *Subscription) ID() string { return s.id }

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id, s.done)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	replay := make([]uint64, 0, len(s.logOrder))
	for _, seq := range s.logOrder {
		if seq > state.lastAck {
			replay = append(replay, seq)
		}
	}
	return replay
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []*Envelope {
	deliveries := make([]*Envelope, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

// Publish appends payload to the log and offers it to every active subscriber.
func (s *Stream) Publish(kind Kind, payload *structpb.Struct) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if kind == "" {
		return 0, errors.New("event kind required")
	}
	if payload == nil {
		return 0, fmt.Errorf("%s payload required", kind)
	}
	clone, ok := proto.Clone(payload).(*structpb.Struct)
	if !ok {
		return 0, fmt.Errorf("%s payload clone failed", kind)
	}
	return s.publishEnvelope(&Envelope{Kind: kind, Payload: clone})
}

func (s *Stream) publishEnvelope(envelope *Envelope) (uint64, error) {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	envelope.RecordedAt = s.now()
	s.logPayloads[seq] = envelope
	s.logOrder = append(s.logOrder, seq)

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: envelope.Clone()})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		//1.- Never block the publisher; a full buffer is replayed on the next subscribe.
		select {
		case item.ch <- item.payload:
		default:
		}
	}

	return seq, nil
}

type delivery struct {
	ch      chan<- *Envelope
	payload *Envelope
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	//1.- Keep the newest retention events; older unacknowledged ones are no longer replayable.
	pruneBefore := s.logOrder[len(s.logOrder)-s.retention] - 1
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneBefore })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
	for _, state := range s.subscribers {
		for len(state.pending) > 0 && state.pending[0] <= pruneBefore {
			state.pending = state.pending[1:]
		}
	}
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSubscriber, subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	switch {
	case sequence < state.pending[0]:
		return nil
	case sequence > state.pending[0]:
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	s.enforceRetentionLocked()
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok || state.done != done || !state.active {
		return
	}
	state.active = false
	state.ch = nil
	close(state.done)
}

// Stats reports the current log and subscriber counts.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{LastSequence: s.nextSeq, Retained: len(s.logOrder), Subscribers: len(s.subscribers)}
	for _, state := range s.subscribers {
		if state.active {
			stats.Active++
		}
	}
	return stats
}
