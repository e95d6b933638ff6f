package realtime

import (
	"context"
	"time"

	"github.com/c-pro/geche"
)

// TypingTracker holds ephemeral typing state per (sender, receiver) pair.
//
// State lives in a TTL cache so that an abrupt disconnect mid-typing cannot
// leave a stale entry forever: entries expire after the TTL when no renewal
// arrives. Explicit stop and the disconnect path still remove eagerly.
type TypingTracker struct {
	states geche.Geche[string, time.Time]
	now    func() time.Time
}

// NewTypingTracker constructs a tracker whose entries expire after ttl.
// The sweep goroutine stops when ctx is cancelled.
func NewTypingTracker(ctx context.Context, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = typingStateTTL
	}
	sweep := ttl / 2
	if sweep < time.Second {
		sweep = time.Second
	}
	return &TypingTracker{
		states: geche.NewMapTTLCache[string, time.Time](ctx, ttl, sweep),
		now:    time.Now,
	}
}

func typingKey(senderID, receiverID string) string {
	return senderID + groupKeySeparator + receiverID
}

// Start upserts typing state for sender toward receiver.
func (t *TypingTracker) Start(senderID, receiverID string) {
	if t == nil || senderID == "" || receiverID == "" {
		return
	}
	t.states.Set(typingKey(senderID, receiverID), t.now().UTC())
}

// Stop removes typing state for sender toward receiver.
func (t *TypingTracker) Stop(senderID, receiverID string) {
	if t == nil || senderID == "" || receiverID == "" {
		return
	}
	_ = t.states.Del(typingKey(senderID, receiverID))
}

// IsTyping reports whether sender has live typing state toward receiver.
func (t *TypingTracker) IsTyping(senderID, receiverID string) bool {
	if t == nil {
		return false
	}
	_, err := t.states.Get(typingKey(senderID, receiverID))
	return err == nil
}
