package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"paddleduel/broker/internal/config"
	"paddleduel/broker/internal/events"
	httpapi "paddleduel/broker/internal/http"
	"paddleduel/broker/internal/input"
	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/match"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

// DuplicateIdentityCode is the error code sent to a connection whose identity is already queued or
// playing.
const DuplicateIdentityCode = "duplicate_identity"

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// WithOutcomeReporter forwards every finished match to reporter next to the built-in ones.
func WithOutcomeReporter(reporter match.OutcomeReporter) BrokerOption {
	return func(b *Broker) {
		if reporter != nil {
			b.reporters = append(b.reporters, reporter)
		}
	}
}

// WithRegistryOptions appends options to the session registry, mainly tickers and clocks for tests.
func WithRegistryOptions(opts ...match.RegistryOption) BrokerOption {
	return func(b *Broker) { b.registryOpts = append(b.registryOpts, opts...) }
}

// WithBrokerClock overrides the clock used for uptime.
func WithBrokerClock(clock func() time.Time) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// Broker is the connection gateway. It authenticates upgrades, admits connections into the
// matchmaker and routes their input and termination to the owning session.
type Broker struct {
	cfg             *config.Config
	logger          *logging.Logger
	upgrader        websocket.Upgrader
	wsAuthenticator websocketAuthenticator

	broadcaster *networking.Broadcaster
	registry    *match.Registry
	queue       *match.Matchmaker
	monitor     *match.Monitor
	gate        *input.Gate
	events      *events.Stream
	ticks       *simulation.TickMonitor
	metrics     *prometheus.Registry
	reportTimer *httpapi.ReportTimer
	handlers    *httpapi.HandlerSet

	reporters    []match.OutcomeReporter
	registryOpts []match.RegistryOption

	mu        sync.Mutex
	clients   map[*Client]struct{}
	pending   atomic.Int64
	closing   atomic.Bool
	pumps     sync.WaitGroup
	now       func() time.Time
	startedAt time.Time
}

// NewBroker builds the broker and every engine component from cfg.
func NewBroker(cfg *config.Config, logger *logging.Logger, opts ...BrokerOption) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.L()
	}
	params := simulation.ParamsFromConfig(cfg.Game)
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("game parameters: %w", err)
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.startedAt = b.now()
	b.upgrader = websocket.Upgrader{CheckOrigin: b.checkOrigin}

	//1.- Identity comes from the configured token verifier unless a test injected its own.
	if b.wsAuthenticator == nil {
		authenticator, err := newTokenWebsocketAuthenticator(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("websocket authenticator: %w", err)
		}
		b.wsAuthenticator = authenticator
	}

	//2.- Outbound delivery is measured and optionally budgeted per connection.
	snapshots := networking.NewSnapshotMetrics()
	bandwidth := networking.NewBandwidthRegulator(cfg.BandwidthBytesPerSecond, nil)
	b.broadcaster = networking.NewBroadcaster(logger,
		networking.WithSnapshotMetrics(snapshots),
		networking.WithBandwidthRegulator(bandwidth),
	)
	b.ticks = simulation.NewTickMonitor(params.TickDuration())
	b.events = events.NewStream(events.Config{})

	reporters := append(match.MultiReporter{
		match.LogReporter{Logger: logger},
		events.Reporter{Stream: b.events},
	}, b.reporters...)
	registryOpts := append([]match.RegistryOption{
		match.WithReporter(reporters),
		match.WithTimingHook(b.observeCall),
		match.WithReportTimeout(cfg.ReportTimeout),
		match.WithTickMonitor(b.ticks),
	}, b.registryOpts...)
	b.registry = match.NewRegistry(params, b.broadcaster, logger, registryOpts...)
	b.queue = match.NewMatchmaker(b.registry, b.broadcaster, logger)
	b.monitor = match.NewMonitor(b.queue, b.registry, b.broadcaster, logger,
		match.WithQueueTimeout(cfg.Matchmaker.QueueTimeout),
		match.WithSweepInterval(cfg.Matchmaker.SweepInterval),
	)
	b.gate = input.NewGate(input.Config{MinInterval: cfg.Matchmaker.InputMinInterval}, logger)

	//3.- Operational endpoints read the same components the engine mutates.
	sources := httpapi.Sources{
		Readiness: b,
		Sessions:  b.registry,
		Snapshots: snapshots,
		Bandwidth: bandwidth,
		Ticks:     b.ticks,
		Inputs:    b.gate,
		Events:    b.events,
	}
	metrics, timer, err := httpapi.NewMetricsRegistry(sources)
	if err != nil {
		return nil, fmt.Errorf("metrics registry: %w", err)
	}
	b.metrics = metrics
	b.reportTimer = timer
	b.handlers = httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Sources:     sources,
		Gatherer:    metrics,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.AbortWindow, cfg.AbortBurst, nil),
	})
	return b, nil
}

func (b *Broker) observeCall(operation string, elapsed time.Duration, err error) {
	b.reportTimer.Observe(operation, elapsed, err)
}

// Handler returns the HTTP surface: the WebSocket endpoint and the operational routes.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", b.serveWS)
	b.handlers.Register(mux)
	return logging.HTTPTraceMiddleware(b.logger)(mux)
}

// Events exposes the outcome stream served over gRPC.
func (b *Broker) Events() *events.Stream { return b.events }

// Counts implements httpapi.ReadinessProvider.
func (b *Broker) Counts() httpapi.Counts {
	b.mu.Lock()
	clients := len(b.clients)
	b.mu.Unlock()
	return httpapi.Counts{
		Clients:  clients,
		Pending:  int(b.pending.Load()),
		Queued:   b.queue.Len(),
		Sessions: b.registry.Len(),
	}
}

// StartupError implements httpapi.ReadinessProvider.
func (b *Broker) StartupError() error {
	if b.closing.Load() {
		return errors.New("broker is shutting down")
	}
	return nil
}

// Uptime implements httpapi.ReadinessProvider.
func (b *Broker) Uptime() time.Duration { return b.now().Sub(b.startedAt) }

func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("remote_addr", r.RemoteAddr))
	if b.closing.Load() {
		http.Error(w, "broker is shutting down", http.StatusServiceUnavailable)
		return
	}

	//1.- Identity must be resolved before the upgrade; a failed handshake leaves no engine state behind.
	identity, err := b.wsAuthenticator.Authenticate(r)
	if err != nil {
		reqLogger.Warn("websocket authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b.pending.Add(1)
	defer b.pending.Add(-1)
	if limit := b.cfg.MaxClients; limit > 0 && b.Counts().Clients+int(b.pending.Load()) > limit {
		reqLogger.Warn("websocket connection rejected: capacity reached", logging.Int("max_clients", limit))
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	client := newClient(b, conn, identity)
	if !b.register(client) {
		client.Close()
		_ = conn.Close()
		return
	}
	go func() {
		defer b.pumps.Done()
		client.writePump()
	}()
	//1.- Admission completes before the reader can observe a close.
	b.admit(client)
	go func() {
		defer b.pumps.Done()
		client.readPump()
	}()
}

// admit hands the connection to the matchmaker. A duplicate identity is told so and left open and
// idle; only an admitted connection's close reaches the lifecycle monitor.
func (b *Broker) admit(client *Client) {
	_, err := b.queue.Enqueue(match.WaitingItem{Peer: client, Identity: client.identity})
	switch {
	case err == nil:
		client.admitted.Store(true)
		b.releaseIfGone(client)
	case errors.Is(err, match.ErrDuplicateIdentity):
		client.logger.Info("duplicate identity rejected")
		b.reject(client, DuplicateIdentityCode, "identity already queued or in a session", networking.FrameControl)
	case errors.Is(err, match.ErrShuttingDown):
		b.reject(client, "shutting_down", "broker is shutting down", networking.FrameTerminal)
	default:
		client.logger.Error("matchmaking failed", logging.Error(err))
		b.reject(client, "internal", "unable to start a match", networking.FrameTerminal)
	}
}

func (b *Broker) reject(client *Client, code, message string, kind networking.FrameKind) {
	frame, err := networking.ErrorFrame(code, message)
	if err != nil {
		client.Close()
		return
	}
	frame.Kind = kind
	if !b.broadcaster.Send(client, frame) {
		client.Close()
	}
}

func (b *Broker) register(client *Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing.Load() {
		return false
	}
	b.clients[client] = struct{}{}
	b.pumps.Add(2)
	return true
}

// clientClosed runs once per connection after its reader exits.
func (b *Broker) clientClosed(client *Client) {
	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()
	client.gone.Store(true)
	b.releaseIfGone(client)
	b.gate.Forget(client.id)
	b.broadcaster.Forget(client.id)
	client.logger.Debug("websocket client disconnected")
}

// releaseIfGone tells the lifecycle monitor about a connection that is both admitted and closed.
// Admission and close may finish in either order; the monitor hears about it exactly once.
func (b *Broker) releaseIfGone(client *Client) {
	if client.admitted.Load() && client.gone.Load() && client.released.CompareAndSwap(false, true) {
		b.monitor.PeerClosed(client.identity, client)
	}
}

// Run sweeps the waiting queue until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	b.monitor.Run(ctx)
	return nil
}

// Shutdown stops admitting connections, ends every waiting entry and live session, drains pending
// reports and finally closes connections that have not flushed their last frame by ctx's deadline.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closing.Load() {
		b.mu.Unlock()
		return nil
	}
	b.closing.Store(true)
	b.mu.Unlock()

	drained := b.monitor.Drain()
	err := b.registry.Shutdown(ctx)
	b.logger.Info("matchmaking drained", logging.Int("waiting", drained), logging.Uint64("sessions_ended", b.registry.Ended()))

	b.mu.Lock()
	idle := make([]*Client, 0, len(b.clients))
	for client := range b.clients {
		if !client.admitted.Load() {
			idle = append(idle, client)
		}
	}
	b.mu.Unlock()
	for _, client := range idle {
		b.reject(client, "shutting_down", "broker is shutting down", networking.FrameTerminal)
	}

	//1.- Terminal frames close their connections once written; give writers until the deadline.
	flushed := make(chan struct{})
	go func() {
		b.pumps.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		b.mu.Lock()
		for client := range b.clients {
			client.Close()
		}
		b.mu.Unlock()
		<-flushed
	}
	return err
}
