// This file contains the Server, which wires the relay core together and
// exposes its HTTP surface: the WebSocket upgrade path, the cross-process
// fallback endpoint, a health endpoint reporting connection occupancy, and
// the Prometheus registry.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authenticator is the external auth collaborator, consulted exactly once
// per connection. It resolves the request (typically its session cookie) to
// a user id, or fails.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Config carries the external collaborators and settings for a Server.
// Authenticator, Participants, Messages and Status are required.
type Config struct {
	Authenticator Authenticator
	Participants  ParticipantResolver
	Messages      MessageStore
	Status        StatusStore

	Options Options
	Logger  *slog.Logger

	// Registry receives the Prometheus collectors. If nil a private
	// registry is created and served on the metrics endpoint.
	Registry *prometheus.Registry
}

// Server is the relay process: registry, presence tracker, broadcaster,
// dispatcher and heartbeat monitor behind one HTTP handler.
type Server struct {
	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	tracker     *Tracker
	monitor     *Monitor
	metrics     *Metrics
	promReg     *prometheus.Registry
	auth        Authenticator
	upgrader    websocket.Upgrader
	opts        Options
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewServer validates cfg and assembles a Server. The heartbeat monitor is
// not running until Start is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, internal("server", "an Authenticator is required")
	}
	if cfg.Participants == nil {
		return nil, internal("server", "a ParticipantResolver is required")
	}
	if cfg.Messages == nil {
		return nil, internal("server", "a MessageStore is required")
	}
	if cfg.Status == nil {
		return nil, internal("server", "a StatusStore is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	promReg := cfg.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	opts := cfg.Options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	metrics := NewMetrics(promReg)

	registry := NewRegistry()

	broadcaster := NewBroadcaster(registry, cfg.Participants, metrics, log)

	s := &Server{
		registry:    registry,
		broadcaster: broadcaster,
		dispatcher:  NewDispatcher(cfg.Messages, broadcaster, metrics, log),
		tracker:     NewTracker(cfg.Status, broadcaster, log),
		monitor:     NewMonitor(registry, opts, log),
		metrics:     metrics,
		promReg:     promReg,
		auth:        cfg.Authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts:   opts,
		log:    log.With("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}
	return s, nil
}

// Start launches the heartbeat monitor. Idempotent.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.monitor.Run()
	})
}

// Shutdown stops the heartbeat monitor and closes every live connection
// with a going-away frame, which suppresses client-side reconnection.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.monitor.Stop()

		s.cancel()

		s.registry.Each(func(c *Conn) {
			c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		})
	})
}

// Broadcaster exposes the fan-out paths for callers outside the WebSocket
// loop, such as HTTP handlers in the embedding application.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// ConnectionCount reports current registry occupancy, for health checks.
func (s *Server) ConnectionCount() int {
	return s.registry.Len()
}

// Handler returns the relay's HTTP surface:
//
//	GET  /api/ws             authenticated WebSocket upgrade
//	POST /internal/broadcast cross-process fallback delivery
//	GET  /healthz            connection count
//	GET  /metrics            Prometheus collectors
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ws", s.handleUpgrade)

	mux.HandleFunc("/internal/broadcast", fallbackHandler(s.broadcaster, s.log))

	mux.HandleFunc("/healthz", s.handleHealth)

	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, authErr := s.auth.Authenticate(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)

	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)

		return
	}
	if authErr != nil || userID == "" {
		s.log.Warn("rejecting unauthenticated connection", "remote", r.RemoteAddr, "error", authErr)

		s.closeRaw(ws, websocket.ClosePolicyViolation, "unauthorized")

		return
	}
	c := newConn(s.ctx, ws, userID, s.opts, s.log)

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("connection handler panic", "userId", userID, "panic", rec)

			c.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	count, alive := s.admit(c)

	if !alive {
		s.log.Warn("connection died before registration completed", "connectionId", c.ID, "userId", userID)

		return
	}
	s.tracker.ConnectionOpened(s.ctx, userID, count)

	if welcome, werr := NewEvent(Pong, PongPayload{Message: "Connected"}); werr == nil {
		c.SendEvent(welcome)
	}

	s.log.Info("connection established", "connectionId", c.ID, "userId", userID)

	c.run(func(data []byte) {
		s.dispatcher.HandleFrame(s.ctx, c, data)
	})
}

// admit installs the lifecycle hook and registers c, returning the user's
// occupancy count. The hook goes in first: a connection can close at any
// moment once the socket exists (a concurrent Shutdown, a sweep probing a
// transport that already died), and a close that beats the hook would leave
// the registry entry behind forever. If c turns out to be closed after
// registration, admit unwinds it and reports alive=false; Deregister is
// idempotent, so racing the hook here is harmless.
func (s *Server) admit(c *Conn) (count int, alive bool) {
	c.onCloseFunc(func(closed *Conn) {
		owner, remaining, ok := s.registry.Deregister(closed.ID)

		if !ok {
			return
		}
		s.metrics.connClosed()

		s.tracker.ConnectionClosed(s.ctx, owner, remaining)
	})

	count = s.registry.Register(c)

	s.metrics.connOpened()

	if !c.Open() {
		if owner, remaining, ok := s.registry.Deregister(c.ID); ok {
			s.metrics.connClosed()

			s.tracker.ConnectionClosed(s.ctx, owner, remaining)
		}
		return count, false
	}
	return count, true
}

func (s *Server) closeRaw(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.opts.WriteWait)

	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

	_ = ws.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	_ = json.NewEncoder(w).Encode(map[string]int{"connections": s.ConnectionCount()})
}
