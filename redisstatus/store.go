// Package redisstatus provides the Redis-backed user status store: the
// authoritative online flag and last-seen timestamp the relay updates on
// presence transition edges. Each user maps to one hash, so web frontends
// can read status without touching the relay.
package redisstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "relay:status:"

// Store implements relay.StatusStore on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// New verifies connectivity and returns a Store. The provided client should
// already be configured; Store does not own its lifecycle.
func New(ctx context.Context, client *redis.Client) (*Store, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client, prefix: defaultPrefix}, nil
}

func (s *Store) key(userID string) string {
	return s.prefix + userID
}

// SetOnline marks a user online. The previous last-seen timestamp is kept
// until the next offline edge overwrites it.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	if err := s.client.HSet(ctx, s.key(userID), "online", "1").Err(); err != nil {
		return fmt.Errorf("failed to set %s online: %w", userID, err)
	}
	return nil
}

// SetOffline marks a user offline and records when they were last seen.
func (s *Store) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	err := s.client.HSet(ctx, s.key(userID),
		"online", "0",
		"lastSeen", lastSeen.UTC().Format(time.RFC3339),
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set %s offline: %w", userID, err)
	}
	return nil
}

// Status reads a user's stored presence. Users never seen before report
// offline with a zero last-seen time.
func (s *Store) Status(ctx context.Context, userID string) (online bool, lastSeen time.Time, err error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()

	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read status for %s: %w", userID, err)
	}
	online = fields["online"] == "1"

	if raw, ok := fields["lastSeen"]; ok && raw != "" {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			lastSeen = t
		}
	}
	return online, lastSeen, nil
}
