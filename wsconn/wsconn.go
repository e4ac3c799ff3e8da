// Package wsconn adapts a raw gorilla/websocket connection into a
// typed, message-envelope-based Conn: inbound frames are decoded as
// {"type": "...", "data": ...} and dispatched to a registered handler by
// type; outbound values are marshaled the same way and serialized onto a
// single writer goroutine per connection.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 16
)

// Envelope is the wire shape of every message, inbound or outbound.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler processes one decoded inbound message for a Conn.
type Handler func(ctx context.Context, c *Conn, data json.RawMessage)

// Upgrader wraps gorilla's websocket.Upgrader with an origin allow-list,
// mirroring the teacher's DefaultUpgrader.
func Upgrader(origins []string) websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if len(origins) == 0 {
		u.CheckOrigin = func(r *http.Request) bool { return true }
		return u
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	u.CheckOrigin = func(r *http.Request) bool { return allowed[r.Header.Get("Origin")] }
	return u
}

// Conn is one upgraded connection. All writes are serialized through
// egress so the underlying websocket.Conn is never written from more
// than one goroutine, per gorilla's documented concurrency contract.
type Conn struct {
	conn   *websocket.Conn
	egress chan []byte
	log    *logrus.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

// newConn wraps an already-upgraded connection. connLog should already
// carry connection-identifying fields (e.g. remote addr, userId).
func newConn(c *websocket.Conn, connLog *logrus.Entry) *Conn {
	return &Conn{
		conn:   c,
		egress: make(chan []byte, 32),
		log:    connLog,
		closed: make(chan struct{}),
	}
}

// Send enqueues v, wrapped in an Envelope of the given type, for delivery.
// It never blocks the caller on network I/O.
func (c *Conn) Send(msgType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsconn: marshal %s: %w", msgType, err)
	}
	env, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("wsconn: marshal envelope %s: %w", msgType, err)
	}
	select {
	case c.egress <- env:
		return nil
	case <-c.closed:
		return errors.New("wsconn: connection closed")
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg, ok := <-c.egress:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("wsconn: write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("wsconn: ping failed")
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, handlers map[string]Handler, unknown Handler) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Debug("wsconn: unexpected close")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.WithError(err).Debug("wsconn: malformed envelope")
			continue
		}
		h, ok := handlers[env.Type]
		if !ok {
			h = unknown
		}
		if h == nil {
			continue
		}
		h(ctx, c, env.Data)
	}
}

// Serve upgrades r into a *Conn, runs its read/write loops, and calls the
// cleanup returned by onOpen when the connection terminates (reader exit
// triggers writer shutdown and vice versa via the shared closed channel).
// It blocks until both loops have exited; callers invoke it directly from
// their http.HandlerFunc, whose request context bounds the connection.
func Serve(
	w http.ResponseWriter,
	r *http.Request,
	upgrader websocket.Upgrader,
	connLog *logrus.Entry,
	onOpen func(ctx context.Context, c *Conn) (handlers map[string]Handler, unknown Handler, cleanup func()),
) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(raw, connLog)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	handlers, unknown, cleanup := onOpen(ctx, c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer c.Close()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer c.Close()
		c.readLoop(ctx, handlers, unknown)
	}()
	wg.Wait()
	if cleanup != nil {
		cleanup()
	}
}
