package realtime

import (
	"context"
	"errors"
	"time"

	v1 "arcadia/contracts/chat/v1"
)

// Message kinds.
const (
	KindText  = "text"
	KindMedia = "media"
)

// Store-level sentinel errors.
var (
	// ErrMessageNotFound means no message matches the given id (for the caller).
	ErrMessageNotFound = errors.New("message not found")
)

// StoredMessage is the canonical persisted message representation.
// The store is the source of truth: the core never pushes an unpersisted
// message, and Create returns the fully materialized form before any push.
type StoredMessage struct {
	MessageID      string
	ConversationID string
	ClientMsgID    string
	Seq            int64
	SenderID       string
	ReceiverID     string
	Kind           string
	Content        string
	Media          *v1.MediaDescriptor
	CreatedAt      time.Time
	ReadAt         *time.Time
	DeletedAt      *time.Time
}

// Payload converts the stored message to its wire form.
func (m StoredMessage) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		MessageID:   m.MessageID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Kind:        m.Kind,
		Content:     m.Content,
		Media:       m.Media,
		CreatedAt:   m.CreatedAt,
		ReadAt:      m.ReadAt,
	}
}

// MessageStore persists and queries chat messages.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id)
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - History query ordered by seq ASC, excluding deleted messages
type MessageStore interface {
	Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error)
	FetchConversation(ctx context.Context, in FetchConversationInput) (FetchConversationResult, error)
	MarkRead(ctx context.Context, messageID, readerID string, now time.Time) (time.Time, error)
	Delete(ctx context.Context, messageID, requesterID string, hard bool) error
	ClearConversation(ctx context.Context, conversationID string) error
	Close() error
}

// CreateMessageInput describes a message create request.
type CreateMessageInput struct {
	SenderID    string
	ReceiverID  string
	ClientMsgID string
	Kind        string
	Content     string
	Media       *v1.MediaDescriptor
	Now         time.Time
}

// Validate checks the structural invariants of the input.
func (in CreateMessageInput) Validate() error {
	if in.SenderID == "" || in.ReceiverID == "" || in.ClientMsgID == "" {
		return errors.New("invalid input")
	}
	if in.SenderID == in.ReceiverID {
		return errors.New("self-addressed message")
	}
	switch in.Kind {
	case KindText:
		if in.Content == "" {
			return errors.New("empty content")
		}
	case KindMedia:
		if in.Media == nil || in.Media.MediaURL == "" {
			return errors.New("missing media descriptor")
		}
	default:
		return errors.New("unknown kind")
	}
	return nil
}

// CreateMessageResult is the create operation result.
type CreateMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchConversationInput describes a history query request.
type FetchConversationInput struct {
	ConversationID string
	RequesterID    string
	AfterSeq       *int64
	Limit          int
}

// FetchConversationResult contains the retrieved history window.
type FetchConversationResult struct {
	Messages []StoredMessage
	HasMore  bool
}
