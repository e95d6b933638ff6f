package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory pair conversations and provides stable handles for
// them. It is intentionally minimal: persistence lives behind MessageStore
// and connection tracking behind Registry.
type Hub struct {
	log *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:           log,
		conversations: make(map[string]*Conversation),
	}
}

// GetOrCreate returns a stable in-memory conversation handle for a group key.
func (h *Hub) GetOrCreate(groupKey string) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conversations[groupKey]; ok {
		return c
	}

	c := NewConversation(h.log, groupKey)
	h.conversations[groupKey] = c
	return c
}

// Get returns the conversation for a group key if it exists.
func (h *Hub) Get(groupKey string) (*Conversation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conversations[groupKey]
	return c, ok
}
