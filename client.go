package main

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"paddleduel/broker/internal/input"
	"paddleduel/broker/internal/logging"
	"paddleduel/broker/internal/match"
	"paddleduel/broker/internal/networking"
)

// Client is one upgraded WebSocket connection. The reader pump feeds inputs to the owning session
// and the writer pump drains the outbox; Close may be called from any goroutine.
type Client struct {
	id       string
	conn     *websocket.Conn
	identity match.Identity
	outbox   *networking.Outbox
	broker   *Broker
	logger   *logging.Logger
	admitted atomic.Bool
	gone     atomic.Bool
	released atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(b *Broker, conn *websocket.Conn, identity match.Identity) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		conn:     conn,
		identity: identity,
		outbox:   networking.NewOutbox(),
		broker:   b,
		logger: b.logger.With(
			logging.String("client_id", id),
			logging.Int64("sub", identity.Sub),
			logging.String("user_name", identity.UserName),
		),
		done: make(chan struct{}),
	}
}

// ID implements networking.Recipient.
func (c *Client) ID() string { return c.id }

// Outbox implements networking.Recipient.
func (c *Client) Outbox() *networking.Outbox { return c.outbox }

// Done implements match.Peer.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close implements match.Peer. Unsent frames are discarded and the writer closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.outbox.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.broker.clientClosed(c)
	}()
	cfg := c.broker.cfg
	c.conn.SetReadLimit(cfg.MaxPayloadBytes)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = extend()
		if messageType != websocket.TextMessage {
			c.broker.gate.RecordMalformed(c.id, errors.New("binary frame"))
			continue
		}
		c.handleMessage(payload)
	}
}

// handleMessage applies one inbound frame. Malformed, throttled and out-of-session frames are
// dropped without touching the connection.
func (c *Client) handleMessage(payload []byte) {
	gate := c.broker.gate
	cmd, err := input.Decode(payload)
	if err != nil {
		gate.RecordMalformed(c.id, err)
		return
	}
	if !c.admitted.Load() {
		return
	}
	if decision := gate.Evaluate(c.id, cmd); !decision.Accepted {
		return
	}
	session, ok := c.broker.registry.BySub(c.identity.Sub)
	if !ok {
		return
	}
	if err := session.Input(c, cmd); err != nil && !errors.Is(err, match.ErrSessionNotFound) {
		c.logger.Warn("input rejected", logging.String("session_id", session.ID()), logging.Error(err))
	}
}

func (c *Client) writePump() {
	cfg := c.broker.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.outbox.Ready():
			for {
				frame, ok := c.outbox.Pop()
				if !ok {
					break
				}
				if err := c.write(websocket.TextMessage, frame.Payload); err != nil {
					c.logger.Debug("websocket write failed", logging.Error(err))
					c.Close()
					return
				}
				//1.- A terminal frame is the last thing the peer hears from us.
				if frame.Kind == networking.FrameTerminal {
					code := websocket.CloseNormalClosure
					if frame.Type == networking.TypeError {
						code = websocket.ClosePolicyViolation
					}
					c.closeHandshake(code, string(frame.Type))
					c.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.closeHandshake(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.broker.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

func (c *Client) closeHandshake(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.broker.cfg.WriteWait))
}
