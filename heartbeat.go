// This file contains the heartbeat Monitor, which probes every registered
// connection on a fixed period and evicts the ones that stopped answering.
// Intermediary proxies drop idle WebSockets without a close frame; the probe
// keeps healthy connections warm and the stale threshold catches the rest.
package relay

import (
	"log/slog"
	"time"
)

// Monitor periodically sweeps the registry. Each tick it deregisters closed
// connections, terminates connections whose last pong is older than the
// stale threshold, and pings everything else. Evictions run through the
// connection's normal close path, so a user's last connection going stale
// produces the same single offline transition as a clean disconnect.
type Monitor struct {
	registry *Registry
	interval time.Duration
	stale    time.Duration
	stop     chan struct{}
	log      *slog.Logger
}

// NewMonitor returns a Monitor over registry using the heartbeat settings
// from opts.
func NewMonitor(registry *Registry, opts Options, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		registry: registry,
		interval: opts.HeartbeatInterval,
		stale:    opts.StaleAfter,
		stop:     make(chan struct{}),
		log:      log.With("component", "heartbeat"),
	}
}

// Run blocks, sweeping on every tick until Stop is called.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop ends a Run loop. Safe to call once.
func (m *Monitor) Stop() {
	close(m.stop)
}

// Sweep performs a single pass over every registered connection.
func (m *Monitor) Sweep() {
	now := time.Now()

	m.registry.Each(func(c *Conn) {
		if !c.Open() {
			c.Close()

			return
		}
		if now.Sub(c.LastPong()) > m.stale {
			m.log.Info("evicting stale connection", "connectionId", c.ID, "userId", c.UserID, "lastPong", c.LastPong())

			c.Terminate()

			return
		}
		if err := c.Ping(); err != nil {
			m.log.Debug("probe failed, closing connection", "connectionId", c.ID, "error", err)

			c.Close()
		}
	})
}
