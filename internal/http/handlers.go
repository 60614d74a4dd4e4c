package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paddleduel/broker/internal/input"
	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/match"
)

// Counts is a point-in-time view of connection and match occupancy.
type Counts struct {
	Clients  int `json:"clients"`
	Pending  int `json:"pending_clients"`
	Queued   int `json:"queued"`
	Sessions int `json:"sessions"`
}

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	Counts() Counts
	StartupError() error
	Uptime() time.Duration
}

// SessionDirectory lists and aborts live sessions.
type SessionDirectory interface {
	Sessions() []match.SessionInfo
	Ended() uint64
	Abort(id string) error
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Sources     Sources
	Gatherer    prometheus.Gatherer
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	sources     Sources
	gatherer    prometheus.Gatherer
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HandlerSet{
		logger:      logger,
		sources:     opts.Sources,
		gatherer:    gatherer,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /livez", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	mux.Handle("GET /metrics", h.MetricsHandler())
	mux.HandleFunc("GET /api/stats", h.StatsHandler())
	mux.HandleFunc("POST /admin/sessions/{id}/abort", h.AbortHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness with client, queue and session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Counts
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if readiness := h.sources.Readiness; readiness != nil {
			resp.Counts = readiness.Counts()
			resp.UptimeSeconds = readiness.Uptime().Seconds()
			if err := readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler serves the Prometheus exposition format.
func (h *HandlerSet) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{ErrorLog: promLogger{h.logger}})
}

type promLogger struct {
	logger *logging.Logger
}

func (p promLogger) Println(v ...interface{}) {
	p.logger.Warn("metrics exposition error", logging.Any("detail", v))
}

// StatsResponse is the JSON document served on /api/stats.
type StatsResponse struct {
	Timestamp     string              `json:"timestamp"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Counts        Counts              `json:"counts"`
	SessionsEnded uint64              `json:"sessions_ended"`
	Sessions      []match.SessionInfo `json:"sessions"`
	Frames        FrameStats          `json:"frames"`
	Ticks         TickStats           `json:"ticks"`
	Inputs        input.DropCounters  `json:"input_rejections"`
	OutcomeEvents uint64              `json:"outcome_events"`
}

// FrameStats aggregates outbound frame counters.
type FrameStats struct {
	Published map[string]int64 `json:"published"`
	Dropped   map[string]int64 `json:"dropped"`
}

// TickStats summarises simulation step timings.
type TickStats struct {
	Samples    uint64  `json:"samples"`
	AverageMs  float64 `json:"average_ms"`
	MaxMs      float64 `json:"max_ms"`
	Overruns   uint64  `json:"overruns"`
	AverageFPS float64 `json:"average_fps"`
}

// StatsHandler reports a JSON snapshot of the broker for dashboards.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Stats())
	}
}

// Stats assembles the /api/stats document.
func (h *HandlerSet) Stats() StatsResponse {
	s := h.sources
	resp := StatsResponse{
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Sessions:  []match.SessionInfo{},
		Frames:    FrameStats{Published: map[string]int64{}, Dropped: map[string]int64{}},
	}
	if s.Readiness != nil {
		resp.Counts = s.Readiness.Counts()
		resp.UptimeSeconds = s.Readiness.Uptime().Seconds()
	}
	if s.Sessions != nil {
		resp.Sessions = s.Sessions.Sessions()
		resp.SessionsEnded = s.Sessions.Ended()
	}
	if s.Snapshots != nil {
		for msgType, count := range s.Snapshots.PublishedCounts() {
			resp.Frames.Published[string(msgType)] = count
		}
		for reason, count := range s.Snapshots.DropCounts() {
			resp.Frames.Dropped[string(reason)] = count
		}
	}
	if s.Ticks != nil {
		snapshot := s.Ticks.Snapshot()
		resp.Ticks = TickStats{
			Samples:    snapshot.Samples,
			AverageMs:  float64(snapshot.Average) / float64(time.Millisecond),
			MaxMs:      float64(snapshot.Max) / float64(time.Millisecond),
			Overruns:   snapshot.Overruns,
			AverageFPS: snapshot.AverageFPS(),
		}
	}
	if s.Inputs != nil {
		resp.Inputs = s.Inputs.Totals()
	}
	if s.Events != nil {
		resp.OutcomeEvents = s.Events.Stats().LastSequence
	}
	return resp
}

// AbortHandler authorises and aborts a live session, ending it with reason abort.
func (h *HandlerSet) AbortHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimSpace(r.PathValue("id"))
		reqLogger := h.logger.With(
			logging.String("handler", "session_abort"),
			logging.String("remote_addr", r.RemoteAddr),
			logging.String("session_id", sessionID),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("session abort denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("session abort denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("session abort denied: rate limit exceeded")
			if limiter, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
				seconds := int(limiter.RetryAfter().Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.sources.Sessions == nil {
			http.Error(w, "session registry unavailable", http.StatusServiceUnavailable)
			return
		}
		if sessionID == "" {
			http.Error(w, "session id required", http.StatusBadRequest)
			return
		}
		if err := h.sources.Sessions.Abort(sessionID); err != nil {
			if errors.Is(err, match.ErrSessionNotFound) {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			reqLogger.Error("session abort failed", logging.Error(err))
			http.Error(w, "failed to abort session", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("session abort requested")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", SessionID: sessionID})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
