package websockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// URL converts an httptest server URL into the broker's WebSocket endpoint carrying token.
func URL(serverURL, token string) string {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token == "" {
		return wsURL
	}
	return wsURL + "?token=" + url.QueryEscape(token)
}

// Dial opens a WebSocket connection to the broker.
func Dial(serverURL, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(URL(serverURL, token), header)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer.
func DialIgnoringPongs(serverURL, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(serverURL, token, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// ReadMessage decodes the next JSON frame. A read timeout leaves conn unusable, as with any
// gorilla connection.
func ReadMessage(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var message map[string]any
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("decode %q: %w", payload, err)
	}
	return message, nil
}

// ReadUntil skips frames until one of msgType arrives.
func ReadUntil(conn *websocket.Conn, msgType string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no %s frame within %s", msgType, timeout)
		}
		message, err := ReadMessage(conn, remaining)
		if err != nil {
			return nil, err
		}
		if message["type"] == msgType {
			return message, nil
		}
	}
}
