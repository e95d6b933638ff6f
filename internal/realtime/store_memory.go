package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev/CI fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	byID  map[string]*StoredMessage
}

type memConv struct {
	seq    int64
	dedupe map[string]*StoredMessage // client_msg_id -> stored message
	msgs   []*StoredMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		byID:  make(map[string]*StoredMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if err := in.Validate(); err != nil {
		return CreateMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	convID := GroupKey(in.SenderID, in.ReceiverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[convID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]*StoredMessage),
			msgs:   make([]*StoredMessage, 0, 256),
		}
		s.convs[convID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return CreateMessageResult{Stored: *existing, Duplicated: true}, nil
	}

	msgID, err := NewMessageID(now)
	if err != nil {
		return CreateMessageResult{}, err
	}

	c.seq++
	msg := &StoredMessage{
		MessageID:      msgID,
		ConversationID: convID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Kind:           in.Kind,
		Content:        in.Content,
		Media:          in.Media,
		CreatedAt:      now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)
	s.byID[msgID] = msg

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		drop := c.msgs[:len(c.msgs)-memMaxMessagesPerConversation]
		for _, d := range drop {
			delete(c.dedupe, d.ClientMsgID)
			delete(s.byID, d.MessageID)
		}
		c.msgs = c.msgs[len(drop):]
	}

	return CreateMessageResult{Stored: *msg, Duplicated: false}, nil
}

// FetchConversation returns messages ordered by seq ASC with paging via after_seq.
// Soft-deleted messages are excluded.
func (s *InMemoryStore) FetchConversation(ctx context.Context, in FetchConversationInput) (FetchConversationResult, error) {
	if in.ConversationID == "" {
		return FetchConversationResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchConversationResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []StoredMessage
	if c != nil {
		snap = make([]StoredMessage, 0, len(c.msgs))
		for _, m := range c.msgs {
			if m.DeletedAt != nil {
				continue
			}
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchConversationResult{}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchConversationResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchConversationResult{Messages: out, HasMore: hasMore}, nil
}

// MarkRead records a read receipt. Only the receiver may mark a message read.
func (s *InMemoryStore) MarkRead(ctx context.Context, messageID, readerID string, now time.Time) (time.Time, error) {
	if messageID == "" || readerID == "" {
		return time.Time{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.DeletedAt != nil || m.ReceiverID != readerID {
		return time.Time{}, ErrMessageNotFound
	}
	if m.ReadAt != nil {
		return *m.ReadAt, nil
	}
	ts := now
	m.ReadAt = &ts
	return ts, nil
}

// Delete soft-deletes (default) or hard-deletes a message.
// Only the sender may delete their own message.
func (s *InMemoryStore) Delete(ctx context.Context, messageID, requesterID string, hard bool) error {
	if messageID == "" || requesterID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.SenderID != requesterID || (m.DeletedAt != nil && !hard) {
		return ErrMessageNotFound
	}

	if !hard {
		ts := time.Now().UTC()
		m.DeletedAt = &ts
		return nil
	}

	delete(s.byID, messageID)
	if c := s.convs[m.ConversationID]; c != nil {
		delete(c.dedupe, m.ClientMsgID)
		for i, cur := range c.msgs {
			if cur.MessageID == messageID {
				c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// ClearConversation removes every message of a conversation.
func (s *InMemoryStore) ClearConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil
	}
	for _, m := range c.msgs {
		delete(s.byID, m.MessageID)
	}
	delete(s.convs, conversationID)
	return nil
}
