package realtime

import (
	"log/slog"
	"sync"

	v1 "arcadia/contracts/chat/v1"
)

// groupKeySeparator joins the two sorted user ids of a pair conversation.
const groupKeySeparator = ":"

// GroupKey derives the deterministic pair-conversation label from an
// unordered pair of user identities. Pure and order-independent:
// GroupKey(a, b) == GroupKey(b, a).
func GroupKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + groupKeySeparator + b
}

// Conversation is an in-memory membership + broadcast fan-out primitive for
// one pair of users. Membership is keyed by connection id so each device
// subscribes independently.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Conversation struct {
	log *slog.Logger
	Key string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewConversation constructs a conversation for the given group key.
func NewConversation(log *slog.Logger, key string) *Conversation {
	return &Conversation{
		log:     log,
		Key:     key,
		members: make(map[string]*Client),
	}
}

// Join subscribes a connection to the conversation.
func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.ConnectionID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.ConnectionID] = client
	c.mu.Unlock()

	c.log.Info("conversation.member.join", "group_key", c.Key, "connection_id", client.ConnectionID, "user_id", client.UserID)
}

// Leave unsubscribes a connection. Idempotent: leaving a conversation never
// joined is a no-op.
func (c *Conversation) Leave(connectionID string) {
	if c == nil || connectionID == "" {
		return
	}

	c.mu.Lock()
	_, ok := c.members[connectionID]
	delete(c.members, connectionID)
	c.mu.Unlock()

	if ok {
		c.log.Info("conversation.member.leave", "group_key", c.Key, "connection_id", connectionID)
	}
}

// Broadcast fan-outs an envelope to all member connections.
// Non-blocking: if a member queue is full or the client is shutting down, the
// push is dropped for that member only.
func (c *Conversation) Broadcast(env v1.Envelope) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.members {
		if !m.TrySend(env) {
			c.log.Info("conversation.broadcast.drop", "group_key", c.Key, "connection_id", m.ConnectionID)
		}
	}
}

// Len returns the current member count.
func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}
