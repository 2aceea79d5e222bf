// This file contains the Conn struct which wraps one WebSocket link to a
// client. It owns the read and write pumps, the outbound send buffer, pong
// bookkeeping for the heartbeat monitor, and idempotent close handling.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socket is the subset of *websocket.Conn the relay touches. Tests substitute
// an in-memory implementation.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	Close() error
}

// Conn is an ephemeral handle to one physical transport link. It is created
// on a successful authenticated upgrade, owned by the Registry for its
// lifetime, and destroyed on close or eviction. It is never persisted.
type Conn struct {
	// ID uniquely identifies this connection within the process.
	ID string

	// UserID is the authenticated owner. A connection belongs to exactly
	// one user; a user may hold many connections.
	UserID string

	// ConnectedAt records when the upgrade completed.
	ConnectedAt time.Time

	ws        socket
	send      chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	mutex     sync.RWMutex
	isClosing bool
	lastPong  time.Time
	onClose   func(*Conn)
	opts      Options
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn(ctx context.Context, ws socket, userID string, opts Options, log *slog.Logger) *Conn {
	connCtx, cancel := context.WithCancel(ctx)

	c := &Conn{
		ID:          userID + "-" + uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, opts.SendBuffer),
		closeChan:   make(chan struct{}),
		lastPong:    time.Now(),
		opts:        opts,
		ctx:         connCtx,
		cancel:      cancel,
	}
	c.log = log.With("connectionId", c.ID, "userId", userID)

	ws.SetReadLimit(opts.ReadLimit)

	ws.SetPongHandler(func(string) error {
		c.touchPong()

		return ws.SetReadDeadline(time.Now().Add(opts.StaleAfter))
	})

	ws.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	return c
}

// run starts the read and write pumps. Every complete inbound frame is handed
// to handler; run returns when the read pump exits, which happens on any read
// error, deadline expiry or close.
func (c *Conn) run(handler func(data []byte)) {
	go c.writePump()

	c.readPump(handler)
}

func (c *Conn) readPump(handler func(data []byte)) {
	defer c.Close()

	if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.StaleAfter)); err != nil {
		return
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		messageType, data, err := c.ws.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("connection read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handler(data)
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.closeChan:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues data for delivery on this connection. Delivery is best-effort:
// if the connection is closing or its buffer is full, Send reports false and
// the frame is dropped. It never blocks.
func (c *Conn) Send(data []byte) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.closeChan:
		return false
	default:
		return false
	}
}

// SendEvent serializes an envelope and queues it on this connection.
func (c *Conn) SendEvent(e Event) bool {
	data, err := json.Marshal(e)

	if err != nil {
		c.log.Error("failed to marshal outbound event", "type", e.Type, "error", err)

		return false
	}
	return c.Send(data)
}

// Ping writes a liveness probe control frame.
func (c *Conn) Ping() error {
	if !c.Open() {
		return internal("connection", "connection "+c.ID+" is closed")
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
}

// LastPong reports when this connection last acknowledged a probe.
func (c *Conn) LastPong() time.Time {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return c.lastPong
}

func (c *Conn) touchPong() {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.lastPong = time.Now()
}

// Open reports whether the connection can still accept frames. It is safe to
// call concurrently.
func (c *Conn) Open() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// onCloseFunc registers the lifecycle hook run exactly once when the
// connection closes. The server uses it to deregister and drive presence.
func (c *Conn) onCloseFunc(fn func(*Conn)) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.onClose = fn
}

// CloseWithCode sends a close frame with the given code before tearing the
// connection down.
func (c *Conn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

	c.Close()
}

// Close tears the connection down: it marks the connection closing, cancels
// the pumps, closes the socket and runs the registered lifecycle hook.
// Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		hook := c.onClose
		c.mutex.Unlock()

		c.cancel()

		close(c.closeChan)

		_ = c.ws.Close()

		if hook != nil {
			hook(c)
		}
	})
}

// Terminate forcibly drops the connection without a close frame. The
// heartbeat monitor uses it for stale evictions.
func (c *Conn) Terminate() {
	c.Close()
}
