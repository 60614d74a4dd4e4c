package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopStarted is returned when Start is invoked twice.
var ErrLoopStarted = errors.New("loop already started")

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

// Ticker abstracts time.Ticker so tests can drive the loop manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory constructs a ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(interval time.Duration) Ticker {
	return realTicker{t: time.NewTicker(interval)}
}

// LoopOption customises the loop.
type LoopOption func(*Loop)

// WithTickerFactory swaps the wall-clock ticker.
func WithTickerFactory(factory TickerFactory) LoopOption {
	return func(l *Loop) {
		if factory != nil {
			l.newTicker = factory
		}
	}
}

// WithTickMonitor records the wall time spent in every step.
func WithTickMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) { l.monitor = monitor }
}

// WithPanicHandler receives values recovered from a panicking step or task. The handler runs on
// the loop goroutine.
func WithPanicHandler(handler func(recovered any)) LoopOption {
	return func(l *Loop) { l.onPanic = handler }
}

// WithMailboxSize bounds the number of queued tasks.
func WithMailboxSize(size int) LoopOption {
	return func(l *Loop) {
		if size > 0 {
			l.mailbox = size
		}
	}
}

// Loop is a single goroutine that owns one match. It runs fixed timesteps on a ticker and
// executes posted tasks between them, so every handler sees a consistent state without locks.
type Loop struct {
	step      time.Duration
	stepFunc  StepFunc
	newTicker TickerFactory
	monitor   *TickMonitor
	onPanic   func(any)
	mailbox   int

	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopped  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{
		step:      interval,
		stepFunc:  step,
		newTicker: newRealTicker,
		mailbox:   64,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	loop.tasks = make(chan func(), loop.mailbox)
	return loop
}

// Start launches the loop goroutine. It runs until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) error {
	if l == nil {
		return errors.New("nil loop")
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}
	ticker := l.newTicker(l.step)
	if ticker == nil {
		close(l.done)
		return fmt.Errorf("ticker factory returned nil for %v", l.step)
	}
	go l.run(ctx, ticker)
	return nil
}

func (l *Loop) run(ctx context.Context, ticker Ticker) {
	defer close(l.done)
	defer ticker.Stop()
	var last time.Time
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.quit:
			return
		case task := <-l.tasks:
			l.guard(task)
		case now := <-ticker.C():
			//1.- Tasks posted before the tick belong to it, so they run before the step.
			l.drain()
			//2.- The first tick runs one step, later ticks accumulate elapsed time and catch up.
			if last.IsZero() {
				accumulator = l.step
			} else {
				accumulator += now.Sub(last)
			}
			last = now
			for accumulator >= l.step && !l.stopped.Load() {
				l.guard(l.timedStep)
				accumulator -= l.step
			}
		}
	}
}

// drain runs every task already queued without blocking.
func (l *Loop) drain() {
	for {
		select {
		case task := <-l.tasks:
			l.guard(task)
		default:
			return
		}
	}
}

func (l *Loop) timedStep() {
	started := time.Now()
	l.stepFunc(l.step)
	if l.monitor != nil {
		l.monitor.Observe(time.Since(started))
	}
}

// guard runs fn unless the loop has been stopped and converts panics into the panic handler.
func (l *Loop) guard(fn func()) {
	if l.stopped.Load() {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			if l.onPanic != nil {
				l.onPanic(recovered)
				return
			}
			l.Stop()
		}
	}()
	fn()
}

// Do posts fn to run on the loop goroutine. It returns false when the loop has stopped and the
// task will never run. Do must not be called from inside a handler of the same loop.
func (l *Loop) Do(fn func()) bool {
	if l == nil || fn == nil || l.stopped.Load() {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Stop prevents any further step or task from running. It does not wait for the goroutine and is
// safe to call from within a handler.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.quit)
	})
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	return l != nil && l.stopped.Load()
}

// Wait blocks until the loop goroutine exits. Calling it from a handler deadlocks.
func (l *Loop) Wait() {
	if l == nil || !l.started.Load() {
		return
	}
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
