package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddleduel/broker/internal/auth"
	"paddleduel/broker/internal/config"
	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/match"
	"paddleduel/broker/internal/simulation"
	"paddleduel/broker/internal/websockettest"
)

const (
	testSecret     = "gateway-test-secret"
	testAdminToken = "gateway-admin-token"
	readTimeout    = 2 * time.Second
)

type tickerBank struct {
	mu      sync.Mutex
	tickers []*simulation.ManualTicker
}

func (b *tickerBank) factory(interval time.Duration) simulation.Ticker {
	ticker := simulation.NewManualTicker(time.Unix(0, 0))
	b.mu.Lock()
	b.tickers = append(b.tickers, ticker)
	b.mu.Unlock()
	return ticker.Factory()(interval)
}

func (b *tickerBank) at(t *testing.T, index int) *simulation.ManualTicker {
	t.Helper()
	var ticker *simulation.ManualTicker
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if index < len(b.tickers) {
			ticker = b.tickers[index]
			return true
		}
		return false
	}, readTimeout, 5*time.Millisecond)
	return ticker
}

// fireUntilStopped keeps ticking a session until its loop exits or the test ends.
func fireUntilStopped(t *testing.T, ticker *simulation.ManualTicker) {
	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	go func() {
		defer close(done)
		for ticker.Fire(1) {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
}

type recordingReporter struct {
	outcomes chan match.Outcome
}

func (r *recordingReporter) Report(_ context.Context, outcome match.Outcome) error {
	r.outcomes <- outcome
	return nil
}

type gatewayHarness struct {
	broker  *Broker
	server  *httptest.Server
	tickers *tickerBank
}

func newGatewayHarness(t *testing.T, env map[string]string, opts ...BrokerOption) *gatewayHarness {
	t.Helper()
	environ := map[string]string{
		"BROKER_AUTH_SECRET": testSecret,
		"BROKER_ADMIN_TOKEN": testAdminToken,
	}
	for key, value := range env {
		environ[key] = value
	}
	cfg, err := config.LoadFrom(environ)
	require.NoError(t, err)

	bank := &tickerBank{}
	opts = append([]BrokerOption{WithRegistryOptions(match.WithTickerFactory(bank.factory))}, opts...)
	broker, err := NewBroker(cfg, logging.NewTestLogger(), opts...)
	require.NoError(t, err)

	server := httptest.NewServer(broker.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		_ = broker.Shutdown(ctx)
		server.Close()
	})
	return &gatewayHarness{broker: broker, server: server, tickers: bank}
}

func (h *gatewayHarness) dial(t *testing.T, sub int64, userName string) *websocket.Conn {
	t.Helper()
	token, err := auth.SignToken(testSecret, sub, userName, time.Now(), time.Hour)
	require.NoError(t, err)
	conn, resp, err := websockettest.Dial(h.server.URL, token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// pair connects two users and consumes their waiting and start frames.
func (h *gatewayHarness) pair(t *testing.T) (alice, bob *websocket.Conn) {
	t.Helper()
	alice = h.dial(t, 1, "alice")
	read(t, alice, "waiting")
	bob = h.dial(t, 2, "bob")
	read(t, alice, "start")
	read(t, bob, "start")
	return alice, bob
}

// serverClient returns the broker side of the connection owned by sub.
func (h *gatewayHarness) serverClient(t *testing.T, sub int64) *Client {
	t.Helper()
	var found *Client
	require.Eventually(t, func() bool {
		h.broker.mu.Lock()
		defer h.broker.mu.Unlock()
		for client := range h.broker.clients {
			if client.identity.Sub == sub && client.admitted.Load() {
				found = client
				return true
			}
		}
		return false
	}, readTimeout, 5*time.Millisecond)
	return found
}

// closedBeforeAdmission replays a connection whose reader finished before the matchmaker saw it.
func (h *gatewayHarness) closedBeforeAdmission(sub int64, userName string) *Client {
	client := newClient(h.broker, nil, match.Identity{Sub: sub, UserName: userName})
	client.Close()
	h.broker.clientClosed(client)
	h.broker.admit(client)
	return client
}

func read(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	message, err := websockettest.ReadUntil(conn, msgType, readTimeout)
	require.NoError(t, err)
	return message
}

func TestGatewayRejectsUnauthenticatedUpgrade(t *testing.T) {
	h := newGatewayHarness(t, nil)

	_, resp, err := websockettest.Dial(h.server.URL, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websockettest.Dial(h.server.URL, "not-a-token", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, h.broker.Counts().Clients)
	assert.Equal(t, 0, h.broker.Counts().Queued)
}

func TestGatewayAcceptsBearerHeader(t *testing.T) {
	h := newGatewayHarness(t, nil)
	token, err := auth.SignToken(testSecret, 7, "header-user", time.Now(), time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websockettest.Dial(h.server.URL, "", header)
	require.NoError(t, err)
	defer conn.Close()

	read(t, conn, "waiting")
	assert.Equal(t, 1, h.broker.Counts().Queued)
}

func TestGatewayPairsAndStreamsState(t *testing.T) {
	h := newGatewayHarness(t, nil)

	alice := h.dial(t, 1, "alice")
	read(t, alice, "waiting")
	require.Eventually(t, func() bool { return h.broker.Counts().Queued == 1 }, readTimeout, 5*time.Millisecond)

	bob := h.dial(t, 2, "bob")
	aliceStart := read(t, alice, "start")
	bobStart := read(t, bob, "start")
	assert.Equal(t, "p1", aliceStart["side"])
	assert.Equal(t, "bob", aliceStart["opponent"].(map[string]any)["userName"])
	assert.Equal(t, "p2", bobStart["side"])
	assert.Equal(t, "alice", bobStart["opponent"].(map[string]any)["userName"])

	counts := h.broker.Counts()
	assert.Equal(t, 0, counts.Queued)
	assert.Equal(t, 1, counts.Sessions)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "input", "direction": "up"}))
	require.True(t, h.tickers.at(t, 0).Fire(1))

	for _, conn := range []*websocket.Conn{alice, bob} {
		state := read(t, conn, "state")
		assert.Equal(t, float64(1), state["tick"])
		paddles := state["paddles"].(map[string]any)
		assert.Contains(t, paddles, "p1")
		assert.Contains(t, paddles, "p2")
		assert.Contains(t, state, "ball")
		assert.Contains(t, state, "score")
	}
}

func TestGatewayRejectsDuplicateConnection(t *testing.T) {
	h := newGatewayHarness(t, nil)

	first := h.dial(t, 1, "alice")
	read(t, first, "waiting")

	second := h.dial(t, 1, "alice")
	rejection := read(t, second, "error")
	assert.Equal(t, DuplicateIdentityCode, rejection["code"])
	assert.Equal(t, 1, h.broker.Counts().Queued)

	//1.- The rejected connection closing must not evict the original entry.
	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return h.broker.Counts().Clients == 1 }, readTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, h.broker.Counts().Queued)

	h.dial(t, 2, "bob")
	start := read(t, first, "start")
	assert.Equal(t, "bob", start["opponent"].(map[string]any)["userName"])
}

func TestGatewayDisconnectEndsMatch(t *testing.T) {
	reporter := &recordingReporter{outcomes: make(chan match.Outcome, 4)}
	h := newGatewayHarness(t, nil, WithOutcomeReporter(reporter))
	alice, bob := h.pair(t)

	require.NoError(t, alice.Close())
	fireUntilStopped(t, h.tickers.at(t, 0))

	end := read(t, bob, "end")
	assert.Equal(t, "disconnect", end["reason"])
	assert.Equal(t, "p2", end["winner"])

	//1.- The end frame is followed by a normal close.
	_, _, err := bob.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error %v", err)

	select {
	case outcome := <-reporter.outcomes:
		winner, ok := outcome.WinnerIdentity()
		require.True(t, ok)
		assert.Equal(t, int64(2), winner.Sub)
	case <-time.After(readTimeout):
		t.Fatal("outcome not reported")
	}
	require.Eventually(t, func() bool {
		return h.broker.Counts().Sessions == 0 && h.broker.Events().Stats().LastSequence == 1
	}, readTimeout, 5*time.Millisecond)
}

func TestGatewayConnectionClosedBeforeAdmissionLeavesQueue(t *testing.T) {
	h := newGatewayHarness(t, nil)

	h.closedBeforeAdmission(1, "alice")
	assert.False(t, h.broker.queue.Contains(1))
	assert.Equal(t, 0, h.broker.Counts().Queued)

	//1.- The same user reconnecting is queued instead of being told it is a duplicate.
	conn := h.dial(t, 1, "alice")
	read(t, conn, "waiting")
	assert.Equal(t, 1, h.broker.Counts().Queued)
}

func TestGatewayOpponentClosedBeforeAdmissionForfeits(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice := h.dial(t, 1, "alice")
	read(t, alice, "waiting")

	h.closedBeforeAdmission(2, "bob")
	read(t, alice, "start")
	fireUntilStopped(t, h.tickers.at(t, 0))

	end := read(t, alice, "end")
	assert.Equal(t, "disconnect", end["reason"])
	assert.Equal(t, "p1", end["winner"])
	require.Eventually(t, func() bool { return h.broker.Counts().Sessions == 0 }, readTimeout, 5*time.Millisecond)
}

func TestGatewayAppliesLatestDirectionInABurst(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, _ := h.pair(t)
	client := h.serverClient(t, 1)

	client.handleMessage([]byte(`{"type":"input","direction":"down"}`))
	client.handleMessage([]byte(`{"type":"input","direction":"stop"}`))
	require.True(t, h.tickers.at(t, 0).Fire(1))

	state := read(t, alice, "state")
	paddles := state["paddles"].(map[string]any)
	assert.Equal(t, h.broker.cfg.Game.FieldHeight/2, paddles["p1"])
	assert.Zero(t, h.broker.gate.Totals().RateLimited)
}

func TestGatewayIgnoresMalformedInput(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, _ := h.pair(t)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, alice.WriteJSON(map[string]string{"type": "input", "direction": "sideways"}))
	require.Eventually(t, func() bool {
		return h.broker.gate.Totals().Malformed == 2
	}, readTimeout, 5*time.Millisecond)

	require.True(t, h.tickers.at(t, 0).Fire(1))
	state := read(t, alice, "state")
	assert.Equal(t, float64(1), state["tick"])
}

func TestGatewayAdminAbort(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, bob := h.pair(t)

	sessions := h.broker.registry.Sessions()
	require.Len(t, sessions, 1)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/admin/sessions/"+sessions[0].ID+"/abort", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	for _, conn := range []*websocket.Conn{alice, bob} {
		end := read(t, conn, "end")
		assert.Equal(t, "abort", end["reason"])
		assert.Nil(t, end["winner"])
	}
}

func TestGatewayOperationalEndpoints(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := h.dial(t, 1, "alice")
	read(t, conn, "waiting")

	resp, err := http.Get(h.server.URL + "/readyz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"queued":1`)
	assert.NotEmpty(t, resp.Header.Get(logging.TraceIDHeader))

	resp, err = http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "pong_broker_queue_length 1")
	assert.Contains(t, string(body), `pong_broker_frames_published_total{type="waiting"} 1`)
}

func TestGatewayCapacityLimit(t *testing.T) {
	h := newGatewayHarness(t, map[string]string{"BROKER_MAX_CLIENTS": "1"})
	conn := h.dial(t, 1, "alice")
	read(t, conn, "waiting")

	token, err := auth.SignToken(testSecret, 2, "bob", time.Now(), time.Hour)
	require.NoError(t, err)
	_, resp, err := websockettest.Dial(h.server.URL, token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGatewayShutdownEndsEverything(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, bob := h.pair(t)
	charlie := h.dial(t, 3, "charlie")
	read(t, charlie, "waiting")

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	require.NoError(t, h.broker.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{alice, bob} {
		end := read(t, conn, "end")
		assert.Equal(t, "abort", end["reason"])
	}
	drained := read(t, charlie, "error")
	assert.Equal(t, "shutting_down", drained["code"])

	counts := h.broker.Counts()
	assert.Equal(t, 0, counts.Clients)
	assert.Equal(t, 0, counts.Sessions)
	assert.Error(t, h.broker.StartupError())

	token, err := auth.SignToken(testSecret, 4, "dave", time.Now(), time.Hour)
	require.NoError(t, err)
	_, resp, err := websockettest.Dial(h.server.URL, token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
