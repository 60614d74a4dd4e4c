package networking

import (
	"errors"
	"sync"
)

var (
	// ErrOutboxClosed is returned when pushing to a closed or terminated outbox.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrStaleSnapshot is returned when a snapshot does not advance the tick.
	ErrStaleSnapshot = errors.New("snapshot tick not increasing")
)

// Outbox is the per-connection delivery queue. Frames leave in push order. At most one snapshot
// waits at any time: a newer snapshot replaces an unsent one so slow readers always receive the
// freshest state, while control frames are kept until written.
type Outbox struct {
	mu         sync.Mutex
	queue      []Frame
	lastTick   uint64
	hasTick    bool
	terminated bool
	closed     bool
	superseded uint64
	ready      chan struct{}
	done       chan struct{}
}

// NewOutbox allocates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues frame. The returned flag reports whether an older snapshot was superseded.
func (o *Outbox) Push(frame Frame) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.terminated {
		return false, ErrOutboxClosed
	}
	superseded := false
	switch frame.Kind {
	case FrameSnapshot:
		if o.hasTick && frame.Tick <= o.lastTick {
			return false, ErrStaleSnapshot
		}
		//1.- Drop the unsent snapshot, if any, keeping every control frame in place.
		for i := range o.queue {
			if o.queue[i].Kind == FrameSnapshot {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				o.superseded++
				superseded = true
				break
			}
		}
		o.lastTick = frame.Tick
		o.hasTick = true
	case FrameTerminal:
		o.terminated = true
	}
	o.queue = append(o.queue, frame)
	o.signal()
	return superseded, nil
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest frame.
func (o *Outbox) Pop() (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return Frame{}, false
	}
	frame := o.queue[0]
	o.queue[0] = Frame{}
	o.queue = o.queue[1:]
	return frame, true
}

// Ready is signalled whenever frames become available.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed once the outbox is closed.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close discards pending frames and rejects further pushes. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
}

// Len reports the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Terminated reports whether a terminal frame has been accepted.
func (o *Outbox) Terminated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminated
}

// Superseded reports how many snapshots were replaced before being written.
func (o *Outbox) Superseded() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.superseded
}
