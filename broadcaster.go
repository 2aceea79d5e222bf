// This file contains the Broadcaster, which fans an event out to the
// connections of a session's participants. Participant sets are resolved
// fresh on every call; delivery per connection is non-blocking and
// best-effort, with a pull-based history fetch as the recovery path for
// anything skipped.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ParticipantResolver answers which users belong to a session. It is always
// consulted at broadcast time; the relay never caches participant sets, since
// membership can change externally between two broadcasts.
type ParticipantResolver interface {
	Participants(ctx context.Context, sessionID string) ([]string, error)
}

// Broadcaster delivers events to the right subset of this process's
// connections. There is no atomicity between resolving participants and
// delivering: a user removed mid-broadcast may still get one stale delivery,
// but a live participant is never skipped.
type Broadcaster struct {
	registry *Registry
	resolver ParticipantResolver
	metrics  *Metrics
	log      *slog.Logger
}

// NewBroadcaster returns a Broadcaster over the given registry and resolver.
// metrics may be nil.
func NewBroadcaster(registry *Registry, resolver ParticipantResolver, metrics *Metrics, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		resolver: resolver,
		metrics:  metrics,
		log:      log.With("component", "broadcaster"),
	}
}

// Broadcast resolves the current participants of sessionID and delivers e to
// every live connection of every participant except excludeUserID (pass ""
// to exclude nobody). Resolution failure is the only error; individual
// delivery failures are skipped silently.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID string, e Event, excludeUserID string) error {
	participants, err := b.resolver.Participants(ctx, sessionID)

	if err != nil {
		return wrapF(err, "failed to resolve participants for session %s", sessionID)
	}
	data, err := json.Marshal(e)

	if err != nil {
		return wrapF(err, "failed to marshal %s event for session %s", e.Type, sessionID)
	}
	for _, userID := range participants {
		if userID == excludeUserID {
			continue
		}
		b.deliver(userID, data, e.Type)
	}
	return nil
}

// ToUsers delivers e directly to the named users, bypassing participant
// resolution. The fallback endpoint uses it, as do callers that already know
// the audience (for example after a session has been deleted and can no
// longer be resolved).
func (b *Broadcaster) ToUsers(userIDs []string, e Event, excludeUserID string) error {
	data, err := json.Marshal(e)

	if err != nil {
		return wrapF(err, "failed to marshal %s event", e.Type)
	}
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		b.deliver(userID, data, e.Type)
	}
	return nil
}

// All delivers e to every connection in the registry. Presence transitions
// use it so any viewer, related or not, observes the change.
func (b *Broadcaster) All(e Event) {
	data, err := json.Marshal(e)

	if err != nil {
		b.log.Error("failed to marshal broadcast event", "type", e.Type, "error", err)

		return
	}
	b.registry.Each(func(c *Conn) {
		if c.Send(data) {
			b.metrics.delivered(e.Type)
		} else {
			b.metrics.dropped(e.Type)
		}
	})
}

func (b *Broadcaster) deliver(userID string, data []byte, t EventType) {
	for _, c := range b.registry.ConnectionsFor(userID) {
		if c.Send(data) {
			b.metrics.delivered(t)
		} else {
			b.metrics.dropped(t)

			b.log.Debug("skipped undeliverable connection", "connectionId", c.ID, "type", t)
		}
	}
}
