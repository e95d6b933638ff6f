package realtime

import (
	"sort"
	"sync"
)

// Registry is the in-memory bidirectional mapping between user identities and
// their live connections. It is the only shared mutable state in the realtime
// core; all mutation goes through its methods.
//
// Invariants held under the single mutex:
//   - every connection id in byConn appears in its owner's byUser set and
//     nowhere else
//   - no connection id maps to more than one user
//
// The registry is never persisted. On process restart it starts empty and
// clients must reconnect.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client
	byConn map[string]*Client
}

// NewRegistry constructs an empty Registry.
// The registry is owned by the server process; tests create isolated instances.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

// Add registers a client connection.
//
// Idempotent per connection id: re-adding an id already bound to a different
// user rebinds it, so the id lives under exactly one user afterwards.
func (r *Registry) Add(c *Client) {
	if r == nil || c == nil || c.ConnectionID == "" || c.UserID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[c.ConnectionID]; ok {
		r.detachLocked(prev.UserID, c.ConnectionID)
	}

	set := r.byUser[c.UserID]
	if set == nil {
		set = make(map[string]*Client)
		r.byUser[c.UserID] = set
	}
	set[c.ConnectionID] = c
	r.byConn[c.ConnectionID] = c
}

// Remove deregisters a connection from both maps.
//
// Unknown ids are a no-op returning (nil, 0): disconnect ordering races with
// failed connects are tolerated. remaining is the owner's connection count
// after removal, which the presence path uses for the offline decision.
func (r *Registry) Remove(connectionID string) (c *Client, remaining int) {
	if r == nil || connectionID == "" {
		return nil, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connectionID]
	if !ok {
		return nil, 0
	}

	r.detachLocked(c.UserID, connectionID)
	return c, len(r.byUser[c.UserID])
}

func (r *Registry) detachLocked(userID, connectionID string) {
	delete(r.byConn, connectionID)
	if set, ok := r.byUser[userID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// UserID returns the owner of a connection id.
func (r *Registry) UserID(connectionID string) (string, bool) {
	if r == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byConn[connectionID]
	if !ok {
		return "", false
	}
	return c.UserID, true
}

// Connections returns a snapshot of the user's live connections, possibly empty.
func (r *Registry) Connections(userID string) []*Client {
	if r == nil || userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of live connections the user owns.
func (r *Registry) ConnectionCount(userID string) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// OnlineUsers returns the sorted snapshot of users with at least one
// live connection.
func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
