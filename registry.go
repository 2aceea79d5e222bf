// This file contains the Registry, the single owner of the two shared maps in
// the relay core: connection id to Conn, and user id to that user's set of
// connection ids. Both maps mutate under one lock so the bidirectional
// invariant can never tear.
package relay

import (
	"sync"
)

// Registry tracks every live connection in this process and which user owns
// it. All operations are safe for concurrent use; reads for broadcast lookup
// do not block unrelated writes.
type Registry struct {
	mutex sync.RWMutex
	conns map[string]*Conn
	users map[string]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		users: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection under its owning user and returns the user's
// connection count after the add. A returned count of 1 is the 0-to-1 occupancy
// edge the presence tracker acts on; the edge is computed inside the critical
// section so concurrent registrations for the same user observe distinct
// counts.
func (r *Registry) Register(c *Conn) int {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	r.conns[c.ID] = c

	set, ok := r.users[c.UserID]
	if !ok {
		set = make(map[string]struct{})

		r.users[c.UserID] = set
	}
	set[c.ID] = struct{}{}

	return len(set)
}

// Deregister removes a connection by id and returns the owning user together
// with that user's remaining connection count. A remaining count of 0 is the
// 1-to-0 occupancy edge. Deregistering an unknown id is a no-op with ok=false.
func (r *Registry) Deregister(connID string) (userID string, remaining int, ok bool) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	c, exists := r.conns[connID]
	if !exists {
		return "", 0, false
	}
	delete(r.conns, connID)

	userID = c.UserID
	if set, found := r.users[userID]; found {
		delete(set, connID)

		remaining = len(set)
		if remaining == 0 {
			delete(r.users, userID)
		}
	}
	return userID, remaining, true
}

// ConnectionsFor returns the live connections currently held for a user. The
// returned slice is a snapshot; it does not track later changes.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(set))

	for id := range set {
		if c, found := r.conns[id]; found {
			conns = append(conns, c)
		}
	}
	return conns
}

// Count returns the number of connections held for a user.
func (r *Registry) Count(userID string) int {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.users[userID])
}

// Len returns the total number of live connections in this process.
func (r *Registry) Len() int {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.conns)
}

// Each calls fn for every registered connection. The connection set is
// snapshotted first so fn may deregister connections without deadlocking.
func (r *Registry) Each(fn func(c *Conn)) {
	r.mutex.RLock()

	conns := make([]*Conn, 0, len(r.conns))

	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mutex.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}
