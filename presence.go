// This file contains the presence Tracker, which turns registry occupancy
// edges into online/offline transitions: an external status-store write plus
// a broadcast, fired exactly once per edge. Connection churn that does not
// cross the 0/1 boundary produces nothing.
package relay

import (
	"context"
	"log/slog"
	"time"
)

// StatusStore is the external user store holding the authoritative online
// flag and last-seen timestamp. The relay writes it on transition edges only,
// never on heartbeats.
type StatusStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

// Tracker derives presence from connection counts. It holds no state of its
// own: the registry's occupancy is the single source of truth, and the edge
// (count after add, count remaining after remove) is computed atomically by
// the registry.
type Tracker struct {
	store       StatusStore
	broadcaster *Broadcaster
	log         *slog.Logger
}

// NewTracker returns a Tracker writing transitions to store and announcing
// them through broadcaster.
func NewTracker(store StatusStore, broadcaster *Broadcaster, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, broadcaster: broadcaster, log: log.With("component", "presence")}
}

// ConnectionOpened handles a registration. count is the user's connection
// count after the add; only count==1 is the offline-to-online edge. The store
// write and the broadcast are independent: a store failure is logged and the
// broadcast still goes out.
func (t *Tracker) ConnectionOpened(ctx context.Context, userID string, count int) {
	if count != 1 {
		return
	}
	if err := t.store.SetOnline(ctx, userID); err != nil {
		t.log.Error("failed to persist online status", "userId", userID, "error", err)
	}
	event, err := NewEvent(UserOnline, StatusPayload{UserID: userID, IsOnline: true})

	if err != nil {
		t.log.Error("failed to build online event", "userId", userID, "error", err)

		return
	}
	t.broadcaster.All(event)
}

// ConnectionClosed handles a deregistration. remaining is the user's
// connection count after the removal; only remaining==0 is the online-to-offline
// edge.
func (t *Tracker) ConnectionClosed(ctx context.Context, userID string, remaining int) {
	if remaining != 0 {
		return
	}
	lastSeen := time.Now()
	if err := t.store.SetOffline(ctx, userID, lastSeen); err != nil {
		t.log.Error("failed to persist offline status", "userId", userID, "error", err)
	}
	event, err := NewEvent(UserOffline, StatusPayload{
		UserID:   userID,
		IsOnline: false,
		LastSeen: lastSeen.UTC().Format(time.RFC3339),
	})

	if err != nil {
		t.log.Error("failed to build offline event", "userId", userID, "error", err)

		return
	}
	t.broadcaster.All(event)
}
