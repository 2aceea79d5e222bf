// Package client maintains a single logical connection to a relay across an
// unreliable transport. It dials, keeps the link warm with periodic pings,
// and reconnects with exponential backoff, distinguishing normal closures
// (no retry) from abnormal ones (fast retry).
package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetchat/relay"
)

// Client is the relay's client-side counterpart. All methods are safe for
// concurrent use. Connection failures never surface beyond the state
// subscription; application logic only ever sees the connection status flag.
type Client struct {
	url    string
	header http.Header
	cfg    Config
	log    *slog.Logger

	mu            sync.Mutex
	m             machine
	conn          *websocket.Conn
	retryTimer    *time.Timer
	cooldownTimer *time.Timer
	writeMu       sync.Mutex

	subsMu    sync.RWMutex
	subs      map[int]func(relay.Event)
	stateSubs map[int]func(State)
	nextSub   int
}

// New returns a Client for url. header is sent with the upgrade request and
// typically carries the session cookie; it may be nil.
func New(url string, header http.Header, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:       url,
		header:    header,
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "relay-client"),
		m:         newMachine(cfg),
		subs:      make(map[int]func(relay.Event)),
		stateSubs: make(map[int]func(State)),
	}
}

// Connect starts a connection attempt. It is a no-op while an attempt is in
// flight, while connected, or after Close.
func (c *Client) Connect() {
	c.apply(inputConnect, 0)
}

// Close tears the logical connection down permanently. The server sees a
// normal closure and the machine never retries afterwards.
func (c *Client) Close() {
	// Tear the machine down first so the read loop's close event cannot
	// schedule a retry behind our back.
	c.apply(inputTeardown, 0)

	c.mu.Lock()

	conn := c.conn

	c.conn = nil

	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)

		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)

		_ = conn.Close()
	}
}

// State returns the current logical connection state.
func (c *Client) State() State {
	c.mu.Lock()

	defer c.mu.Unlock()

	return c.m.State
}

// Send serializes an envelope onto the connection. It reports false when the
// client is not currently connected; the caller's own retry or timeout
// handling owns recovery, the client does not queue.
func (c *Client) Send(e relay.Event) bool {
	c.mu.Lock()

	conn := c.conn

	connected := c.m.State == Connected

	c.mu.Unlock()

	if !connected || conn == nil {
		return false
	}
	data, err := json.Marshal(e)

	if err != nil {
		c.log.Error("failed to marshal outbound event", "type", e.Type, "error", err)

		return false
	}
	c.writeMu.Lock()

	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("send failed", "error", err)

		return false
	}
	return true
}

// OnEvent subscribes to inbound envelopes. The returned function removes the
// subscription.
func (c *Client) OnEvent(fn func(relay.Event)) func() {
	c.subsMu.Lock()

	id := c.nextSub

	c.nextSub++

	c.subs[id] = fn

	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()

		delete(c.subs, id)

		c.subsMu.Unlock()
	}
}

// OnStateChange subscribes to logical state transitions. The returned
// function removes the subscription.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.subsMu.Lock()

	id := c.nextSub

	c.nextSub++

	c.stateSubs[id] = fn

	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()

		delete(c.stateSubs, id)

		c.subsMu.Unlock()
	}
}

// apply runs one machine transition and executes the resulting effect.
func (c *Client) apply(in input, closeCode int) {
	c.mu.Lock()

	prev := c.m.State

	next, eff := c.m.transition(in, closeCode)

	c.m = next

	switch eff.Action {
	case actionDial:
		go c.dial()
	case actionRetryAfter:
		c.log.Info("scheduling reconnect", "delay", eff.Delay, "attempt", next.Attempts)

		c.retryTimer = time.AfterFunc(eff.Delay, func() {
			c.apply(inputRetryDue, 0)
		})
	case actionCooldownAfter:
		c.log.Warn("reconnect attempts exhausted, cooling down", "cooldown", eff.Delay)

		c.cooldownTimer = time.AfterFunc(eff.Delay, func() {
			c.apply(inputCooldownDone, 0)
		})
	}
	changed := next.State != prev

	state := next.State

	c.mu.Unlock()

	if changed {
		c.notifyState(state)
	}
}

func (c *Client) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}

	conn, resp, err := dialer.Dial(c.url, c.header)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Debug("dial failed", "url", c.url, "error", err)

		c.apply(inputDialFailed, 0)

		return
	}
	c.mu.Lock()

	if c.m.State != Connecting {
		c.mu.Unlock()

		_ = conn.Close()

		return
	}
	done := make(chan struct{})

	c.conn = conn

	c.mu.Unlock()

	c.apply(inputDialSucceeded, 0)

	go c.keepalive(conn, done)

	c.readLoop(conn, done)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()

		if err != nil {
			code := closeCodeFrom(err)

			c.mu.Lock()

			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			_ = conn.Close()

			c.apply(inputClosed, code)

			return
		}
		var event relay.Event
		if jsonErr := json.Unmarshal(data, &event); jsonErr != nil {
			c.log.Warn("dropping unparseable frame", "error", jsonErr)

			continue
		}
		c.dispatch(event)
	}
}

// keepalive sends a JSON ping on the application protocol while the
// connection lasts, keeping intermediary proxies from cutting the link idle.
func (c *Client) keepalive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping, err := relay.NewEvent(relay.Ping, nil)

			if err != nil {
				continue
			}
			data, err := json.Marshal(ping)

			if err != nil {
				continue
			}
			c.writeMu.Lock()

			writeErr := conn.WriteMessage(websocket.TextMessage, data)

			c.writeMu.Unlock()

			if writeErr != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) dispatch(e relay.Event) {
	c.subsMu.RLock()

	handlers := make([]func(relay.Event), 0, len(c.subs))

	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

func (c *Client) notifyState(s State) {
	c.subsMu.RLock()

	handlers := make([]func(State), 0, len(c.stateSubs))

	for _, fn := range c.stateSubs {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// closeCodeFrom extracts the close code from a read error. Anything that is
// not a close frame, a dropped TCP link included, counts as abnormal closure.
func closeCodeFrom(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
