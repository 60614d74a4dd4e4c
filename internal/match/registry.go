package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

// Registry owns every live session, indexed by id and by both participants' sub.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bySub    map[int64]*Session
	closed   bool

	params        simulation.Params
	broadcaster   *networking.Broadcaster
	logger        *logging.Logger
	reporter      OutcomeReporter
	timing        TimingHook
	reportTimeout time.Duration
	tickerFactory simulation.TickerFactory
	tickMonitor   *simulation.TickMonitor
	engineOpts    []simulation.EngineOption
	newID         func() string
	now           func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	reports sync.WaitGroup
	ended   uint64
}

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithReporter receives every outcome once its session is disposed.
func WithReporter(reporter OutcomeReporter) RegistryOption {
	return func(r *Registry) { r.reporter = reporter }
}

// WithTimingHook wraps every reporter call.
func WithTimingHook(hook TimingHook) RegistryOption {
	return func(r *Registry) { r.timing = hook }
}

// WithReportTimeout bounds a single reporter call.
func WithReportTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.reportTimeout = timeout
		}
	}
}

// WithTickerFactory swaps the wall-clock ticker of new session loops.
func WithTickerFactory(factory simulation.TickerFactory) RegistryOption {
	return func(r *Registry) { r.tickerFactory = factory }
}

// WithTickMonitor shares a step duration monitor across all sessions.
func WithTickMonitor(monitor *simulation.TickMonitor) RegistryOption {
	return func(r *Registry) { r.tickMonitor = monitor }
}

// WithEngineOptions forwards options to every new engine.
func WithEngineOptions(opts ...simulation.EngineOption) RegistryOption {
	return func(r *Registry) { r.engineOpts = append(r.engineOpts, opts...) }
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(next func() string) RegistryOption {
	return func(r *Registry) {
		if next != nil {
			r.newID = next
		}
	}
}

// WithRegistryClock overrides the wall clock used for timestamps.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(params simulation.Params, broadcaster *networking.Broadcaster, logger *logging.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	if broadcaster == nil {
		broadcaster = networking.NewBroadcaster(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := &Registry{
		sessions:      make(map[string]*Session),
		bySub:         make(map[int64]*Session),
		params:        params,
		broadcaster:   broadcaster,
		logger:        logger,
		reportTimeout: 5 * time.Second,
		newID:         uuid.NewString,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Create pairs p1 and p2 into a new running session.
func (r *Registry) Create(p1, p2 WaitingItem) (*Session, error) {
	if p1.Identity.Sub == p2.Identity.Sub {
		return nil, fmt.Errorf("%w: cannot pair user %d with itself", ErrDuplicateIdentity, p1.Identity.Sub)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	for _, sub := range []int64{p1.Identity.Sub, p2.Identity.Sub} {
		if _, taken := r.bySub[sub]; taken {
			return nil, fmt.Errorf("%w: user %d", ErrDuplicateIdentity, sub)
		}
	}

	id := r.newID()
	if _, clash := r.sessions[id]; clash {
		return nil, fmt.Errorf("session id collision on %q", id)
	}
	session := &Session{
		id:          id,
		players:     [2]Identity{p1.Identity, p2.Identity},
		peers:       [2]Peer{p1.Peer, p2.Peer},
		createdAt:   r.now(),
		now:         r.now,
		broadcaster: r.broadcaster,
		logger:      r.logger.With(logging.String("session_id", id)),
		onEnd:       r.release,
		engine:      simulation.NewEngine(r.params, r.engineOpts...),
	}
	loopOpts := []simulation.LoopOption{
		simulation.WithPanicHandler(session.handlePanic),
		simulation.WithTickMonitor(r.tickMonitor),
	}
	if r.tickerFactory != nil {
		loopOpts = append(loopOpts, simulation.WithTickerFactory(r.tickerFactory))
	}
	session.loop = simulation.NewLoop(r.params.TickRate, session.step, loopOpts...)
	session.publishInfo(session.engine.State())

	var starts [2]networking.Frame
	for i := range session.peers {
		frame, err := networking.StartFrame(sideAt(i), session.players[1-i].UserName)
		if err != nil {
			return nil, err
		}
		starts[i] = frame
	}
	//1.- The loop's first task announces the match, so start precedes every snapshot and nothing
	// is sent for a loop that never runs.
	announced := make(chan struct{})
	session.loop.Do(func() {
		for i, peer := range session.peers {
			r.broadcaster.Send(peer, starts[i])
		}
		close(announced)
	})
	if err := session.loop.Start(r.ctx); err != nil {
		r.logger.Error("unable to schedule session loop", logging.String("session_id", id), logging.Error(err))
		return nil, fmt.Errorf("start session loop: %w", err)
	}
	select {
	case <-announced:
	case <-session.loop.Done():
		return nil, ErrShuttingDown
	}

	r.sessions[id] = session
	r.bySub[p1.Identity.Sub] = session
	r.bySub[p2.Identity.Sub] = session
	session.logger.Info("session created",
		logging.Int64("p1_sub", p1.Identity.Sub),
		logging.Int64("p2_sub", p2.Identity.Sub),
	)
	return session, nil
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// BySub returns the session the user currently plays.
func (r *Registry) BySub(sub int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.bySub[sub]
	return session, ok
}

// HasSub reports whether the user is in a session.
func (r *Registry) HasSub(sub int64) bool {
	_, ok := r.BySub(sub)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Ended returns how many sessions have finished since start.
func (r *Registry) Ended() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ended
}

// Sessions lists live sessions ordered by creation time.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, session.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Abort asks the session to end with reason abort.
func (r *Registry) Abort(id string) error {
	session, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Abort() {
		return ErrSessionNotFound
	}
	return nil
}

// Dispose tears a session down from outside its loop: the loop is cancelled and drained first, then
// the match is finished as aborted if it was still running. Dispose is idempotent and must not be
// called from a session handler.
func (r *Registry) Dispose(id string) {
	session, ok := r.Get(id)
	if !ok {
		return
	}
	session.loop.Stop()
	session.loop.Wait()
	session.finish(networking.ReasonAbort, simulation.SideNone)
}

// release drops the index entries of session and reports its outcome. It is the onEnd hook of every
// session and tolerates repeated calls.
func (r *Registry) release(session *Session, outcome Outcome) {
	r.mu.Lock()
	current, ok := r.sessions[session.id]
	if !ok || current != session {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session.id)
	for _, player := range session.players {
		if r.bySub[player.Sub] == session {
			delete(r.bySub, player.Sub)
		}
	}
	r.ended++
	r.mu.Unlock()

	for _, peer := range session.peers {
		if peer != nil {
			r.broadcaster.Forget(peer.ID())
		}
	}
	r.report(outcome)
}

// report hands the outcome to the reporter off the session goroutine.
func (r *Registry) report(outcome Outcome) {
	if r.reporter == nil || outcome.SessionID == "" {
		return
	}
	r.reports.Add(1)
	go func() {
		defer r.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.reportTimeout)
		defer cancel()
		started := time.Now()
		err := r.reporter.Report(ctx, outcome)
		if r.timing != nil {
			r.timing("report_outcome", time.Since(started), err)
		}
		if err != nil {
			r.logger.Warn("outcome report failed", logging.String("session_id", outcome.SessionID), logging.Error(err))
		}
	}()
}

// Shutdown stops accepting sessions, aborts every live one and waits for loops and reporters.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		live = append(live, session)
	}
	r.mu.Unlock()

	for _, session := range live {
		if !session.Abort() {
			r.Dispose(session.id)
		}
	}

	drained := make(chan struct{})
	go func() {
		for _, session := range live {
			session.loop.Wait()
		}
		r.reports.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return errors.Join(ctx.Err(), fmt.Errorf("%d sessions still draining", r.Len()))
	}
}
