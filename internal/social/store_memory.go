package social

import (
	"context"
	"sync"
)

// InMemoryStore is a seedable Store for dev and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	friends map[string]map[string]struct{} // symmetric
	blocks  map[string]map[string]struct{} // blocker -> blocked
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		friends: make(map[string]map[string]struct{}),
		blocks:  make(map[string]map[string]struct{}),
	}
}

// AddFriendship records a symmetric friendship between a and b.
func (s *InMemoryStore) AddFriendship(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdge(s.friends, a, b)
	s.addEdge(s.friends, b, a)
}

// RemoveFriendship removes the friendship between a and b.
func (s *InMemoryStore) RemoveFriendship(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends[a], b)
	delete(s.friends[b], a)
}

// Block records that blocker blocked blocked.
func (s *InMemoryStore) Block(blocker, blocked string) {
	if blocker == "" || blocked == "" || blocker == blocked {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdge(s.blocks, blocker, blocked)
}

// Unblock removes a block edge.
func (s *InMemoryStore) Unblock(blocker, blocked string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks[blocker], blocked)
}

func (s *InMemoryStore) addEdge(m map[string]map[string]struct{}, from, to string) {
	set := m[from]
	if set == nil {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

// Friends returns userID's friends.
func (s *InMemoryStore) Friends(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.friends[userID]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// AreFriends reports whether a and b are friends.
func (s *InMemoryStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.friends[a][b]
	return ok, nil
}

// Blocked reports whether either party blocked the other.
func (s *InMemoryStore) Blocked(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.blocks[a][b]; ok {
		return true, nil
	}
	_, ok := s.blocks[b][a]
	return ok, nil
}
