package relay

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// wireLifecycle attaches the same close hook the server installs, so
// evictions drive deregistration and presence.
func wireLifecycle(registry *Registry, tracker *Tracker, c *Conn) {
	c.onCloseFunc(func(closed *Conn) {
		userID, remaining, ok := registry.Deregister(closed.ID)

		if ok {
			tracker.ConnectionClosed(context.Background(), userID, remaining)
		}
	})
}

func TestSweepPingsHealthyConnections(t *testing.T) {
	registry := NewRegistry()

	monitor := NewMonitor(registry, DefaultOptions(), slog.Default())

	alice := newTestConn("alice", 10)

	bob := newTestConn("bob", 10)

	registry.Register(alice)

	registry.Register(bob)

	monitor.Sweep()

	for _, c := range []*Conn{alice, bob} {
		if got := c.ws.(*fakeSocket).pingCount(); got != 1 {
			t.Errorf("expected one probe on %s, got %d", c.ID, got)
		}
	}
	if registry.Len() != 2 {
		t.Errorf("healthy connections must stay registered, got %d", registry.Len())
	}
}

func TestSweepEvictsStaleConnection(t *testing.T) {
	registry := NewRegistry()

	store := &fakeStatusStore{}

	broadcaster := NewBroadcaster(registry, &fakeResolver{}, nil, slog.Default())

	tracker := NewTracker(store, broadcaster, slog.Default())

	monitor := NewMonitor(registry, DefaultOptions(), slog.Default())

	viewer := newTestConn("viewer", 10)

	registry.Register(viewer)

	stale := newTestConn("alice", 10)

	registry.Register(stale)

	wireLifecycle(registry, tracker, stale)

	// Last pong well past the stale threshold.
	stale.mutex.Lock()

	stale.lastPong = time.Now().Add(-2 * time.Minute)

	stale.mutex.Unlock()

	monitor.Sweep()

	if stale.Open() {
		t.Fatal("stale connection must be terminated")
	}
	if registry.Count("alice") != 0 {
		t.Fatal("stale connection must be deregistered")
	}

	// Eviction of the user's last connection is an ordinary disconnect:
	// exactly one offline transition.
	event := recvEvent(t, viewer)

	if event.Type != UserOffline {
		t.Fatalf("expected USER_OFFLINE after eviction, got %s", event.Type)
	}
	if store.callCount() != 1 {
		t.Errorf("expected exactly one store write, got %d", store.callCount())
	}
}

func TestSweepKeepsRecentlyAcknowledgedConnections(t *testing.T) {
	registry := NewRegistry()

	monitor := NewMonitor(registry, DefaultOptions(), slog.Default())

	c := newTestConn("alice", 10)

	registry.Register(c)

	c.touchPong()

	monitor.Sweep()

	if !c.Open() {
		t.Error("a connection with a fresh pong must not be evicted")
	}
}

func TestSweepClosesConnectionsWithFailedProbes(t *testing.T) {
	registry := NewRegistry()

	monitor := NewMonitor(registry, DefaultOptions(), slog.Default())

	tracker := NewTracker(&fakeStatusStore{}, NewBroadcaster(registry, &fakeResolver{}, nil, slog.Default()), slog.Default())

	c := newTestConn("alice", 10)

	c.ws.(*fakeSocket).pingErr = internal("connection", "broken pipe")

	registry.Register(c)

	wireLifecycle(registry, tracker, c)

	monitor.Sweep()

	if c.Open() {
		t.Error("a connection refusing probes must be closed")
	}
	if registry.Len() != 0 {
		t.Errorf("expected empty registry, got %d", registry.Len())
	}
}

func TestMonitorRunStops(t *testing.T) {
	registry := NewRegistry()

	opts := DefaultOptions()

	opts.HeartbeatInterval = 5 * time.Millisecond

	monitor := NewMonitor(registry, opts, slog.Default())

	done := make(chan struct{})

	go func() {
		monitor.Run()

		close(done)
	}()

	time.Sleep(20 * time.Millisecond)

	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
