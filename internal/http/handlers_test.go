package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/match"
	"paddleduel/broker/internal/networking"
	"paddleduel/broker/internal/simulation"
)

type stubReadiness struct {
	counts Counts
	uptime time.Duration
	err    error
}

func (s *stubReadiness) Counts() Counts { return s.counts }

func (s *stubReadiness) StartupError() error { return s.err }

func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubDirectory struct {
	sessions []match.SessionInfo
	ended    uint64
	aborted  []string
	err      error
}

func (s *stubDirectory) Sessions() []match.SessionInfo { return s.sessions }

func (s *stubDirectory) Ended() uint64 { return s.ended }

func (s *stubDirectory) Abort(id string) error {
	if s.err != nil {
		return s.err
	}
	s.aborted = append(s.aborted, id)
	return nil
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{counts: Counts{Clients: 3, Pending: 1, Queued: 1, Sessions: 1}, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Sources: Sources{Readiness: readiness}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status         string  `json:"status"`
		Message        string  `json:"message"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
		Queued         int     `json:"queued"`
		Sessions       int     `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Clients != 3 || payload.PendingClients != 1 || payload.Queued != 1 || payload.Sessions != 1 {
		t.Fatalf("unexpected counts: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	snapshots := networking.NewSnapshotMetrics()
	frame, err := networking.StateFrame(simulation.State{Tick: 1})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	snapshots.ObservePublished("c1", frame)
	snapshots.ObserveDrop(networking.DropSuperseded)

	sources := Sources{
		Readiness: &stubReadiness{counts: Counts{Clients: 2, Pending: 1, Queued: 1}, uptime: 90 * time.Second},
		Sessions:  &stubDirectory{ended: 7},
		Snapshots: snapshots,
	}
	registry, timer, err := NewMetricsRegistry(sources)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	timer.Observe("report_outcome", 3*time.Millisecond, nil)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Sources: sources, Gatherer: registry})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"pong_broker_clients 2",
		"pong_broker_pending_clients 1",
		"pong_broker_queue_length 1",
		"pong_broker_uptime_seconds 90",
		"pong_broker_sessions_ended_total 7",
		`pong_broker_frames_published_total{type="state"} 1`,
		`pong_broker_frames_dropped_total{reason="superseded"} 1`,
		`pong_broker_collaborator_call_seconds_count{operation="report_outcome",result="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestStatsHandlerReportsSessions(t *testing.T) {
	directory := &stubDirectory{
		ended: 2,
		sessions: []match.SessionInfo{{
			ID:     "s-1",
			P1:     match.Identity{Sub: 1, UserName: "ana"},
			P2:     match.Identity{Sub: 2, UserName: "bo"},
			Tick:   90,
			Score:  simulation.Score{P1: 1},
			Status: "active",
		}},
	}
	monitor := simulation.NewTickMonitor(0)
	monitor.Observe(2 * time.Millisecond)
	handlers := NewHandlerSet(Options{
		Logger:  logging.NewTestLogger(),
		Sources: Sources{Sessions: directory, Ticks: monitor, Readiness: &stubReadiness{counts: Counts{Sessions: 1}}},
	})

	rr := httptest.NewRecorder()
	handlers.StatsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var payload StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.SessionsEnded != 2 || len(payload.Sessions) != 1 || payload.Sessions[0].P2.UserName != "bo" {
		t.Fatalf("unexpected sessions %+v", payload)
	}
	if payload.Counts.Sessions != 1 {
		t.Fatalf("unexpected counts %+v", payload.Counts)
	}
	if payload.Ticks.Samples != 1 || payload.Ticks.AverageMs != 2 {
		t.Fatalf("unexpected tick stats %+v", payload.Ticks)
	}
}

func TestAbortHandlerAuthAndRateLimits(t *testing.T) {
	directory := &stubDirectory{}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Sources:     Sources{Sessions: directory},
		AdminToken:  "topsecret",
		RateLimiter: &stubLimiter{remaining: 1},
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s-9/abort", nil)
		req.SetPathValue("id", "s-9")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.AbortHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest("wrong"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for wrong token, got %d", resp.Code)
	}
	if resp := makeRequest("topsecret"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for authorised request, got %d", resp.Code)
	}
	if len(directory.aborted) != 1 || directory.aborted[0] != "s-9" {
		t.Fatalf("expected s-9 aborted once, got %v", directory.aborted)
	}
	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestAbortHandlerUnknownSession(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Sources:     Sources{Sessions: &stubDirectory{err: match.ErrSessionNotFound}},
		AdminToken:  "topsecret",
		RateLimiter: NewSlidingWindowLimiter(time.Minute, 5, nil),
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/missing/abort", nil)
	req.Header.Set("X-Admin-Token", "topsecret")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/sessions/missing/abort", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 from the mux, got %d", rr.Code)
	}
}

func TestAbortHandlerRequiresConfiguredToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Sources: Sources{Sessions: &stubDirectory{}}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/x/abort", nil)
	req.SetPathValue("id", "x")
	req.Header.Set("Authorization", "Bearer anything")
	handlers.AbortHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token, got %d", rr.Code)
	}
}
