// Package v1 defines the Arcadia chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol
// authoritative: every inbound operation and outbound event is a member of a
// closed type set, validated at the transport boundary.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound types (client -> server).
const (
	// TypeHello starts a session after the authenticated handshake.
	TypeHello = "hello"

	// TypeMessageSendText requests delivery of a text message to a friend.
	TypeMessageSendText = "message.send_text"
	// TypeMessageSendMedia requests delivery of a media message to a friend.
	TypeMessageSendMedia = "message.send_media"
	// TypeMessageRead marks a received message as read.
	TypeMessageRead = "message.read"

	// TypeTypingStart signals the sender started composing to a friend.
	TypeTypingStart = "typing.start"
	// TypeTypingStop signals the sender stopped composing.
	TypeTypingStop = "typing.stop"

	// TypeConversationJoin subscribes the current connection to the pair
	// conversation with a friend.
	TypeConversationJoin = "conversation.join"
	// TypeConversationLeave unsubscribes the current connection.
	TypeConversationLeave = "conversation.leave"
	// TypeConversationClear clears the pair conversation history.
	TypeConversationClear = "conversation.clear"

	// TypeHistoryFetch requests a window of the pair conversation history.
	TypeHistoryFetch = "history.fetch"

	// TypeFriendsOnlineFetch requests the caller's currently-online friends.
	TypeFriendsOnlineFetch = "friends.online.fetch"
)

// Outbound types (server -> client).
const (
	// TypeHelloAck acknowledges the session and carries the connection id.
	TypeHelloAck = "hello.ack"

	// TypeMessageReceive delivers a persisted message to the receiver.
	TypeMessageReceive = "message.receive"
	// TypeMessageSent acknowledges a send to the originating connection only.
	TypeMessageSent = "message.sent"
	// TypeMessageReadAck confirms a read receipt to the reader.
	TypeMessageReadAck = "message.read.ack"

	// TypeTypingIndicator carries a friend's typing state change.
	TypeTypingIndicator = "typing.indicator"

	// TypePresenceStatus carries a friend's online/offline transition.
	TypePresenceStatus = "presence.status"

	// TypeFriendsOnline answers TypeFriendsOnlineFetch.
	TypeFriendsOnline = "friends.online"

	// TypeHistoryChunk answers TypeHistoryFetch.
	TypeHistoryChunk = "history.chunk"

	// TypeError is a best-effort failure notice; the connection stays open.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeMessageSendText,
		TypeMessageSendMedia,
		TypeMessageRead,
		TypeTypingStart,
		TypeTypingStop,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeConversationClear,
		TypeHistoryFetch,
		TypeFriendsOnlineFetch,
		TypeHelloAck,
		TypeMessageReceive,
		TypeMessageSent,
		TypeMessageReadAck,
		TypeTypingIndicator,
		TypePresenceStatus,
		TypeFriendsOnline,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to start the session.
// Authentication happens at the HTTP handshake; hello carries no credentials.
type HelloPayload struct{}

// HelloAckPayload confirms the session and identifies the connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// MediaDescriptor describes the media attachment of a media message.
type MediaDescriptor struct {
	MessageType string `json:"message_type"`
	MediaURL    string `json:"media_url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type,omitempty"`
}

// MessageSendTextPayload requests sending a text message to a friend.
type MessageSendTextPayload struct {
	ReceiverID  string `json:"receiver_id"`
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// MessageSendMediaPayload requests sending a media message to a friend.
type MessageSendMediaPayload struct {
	ReceiverID  string          `json:"receiver_id"`
	ClientMsgID string          `json:"client_msg_id"`
	Media       MediaDescriptor `json:"media"`
}

// MessagePayload is the materialized persisted message, used by both
// message.receive and message.sent.
type MessagePayload struct {
	MessageID   string           `json:"message_id"`
	ClientMsgID string           `json:"client_msg_id"`
	Seq         int64            `json:"seq"`
	SenderID    string           `json:"sender_id"`
	ReceiverID  string           `json:"receiver_id"`
	Kind        string           `json:"kind"`
	Content     string           `json:"content,omitempty"`
	Media       *MediaDescriptor `json:"media,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
}

// MessageReadPayload marks a message as read by the caller.
type MessageReadPayload struct {
	MessageID string `json:"message_id"`
}

// MessageReadAckPayload confirms a read receipt.
type MessageReadAckPayload struct {
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TypingPayload addresses a typing state change to a friend.
type TypingPayload struct {
	ReceiverID string `json:"receiver_id"`
}

// TypingIndicatorPayload carries a friend's typing state to the receiver.
type TypingIndicatorPayload struct {
	UserID       string `json:"user_id"`
	UserNickname string `json:"user_nickname"`
	IsTyping     bool   `json:"is_typing"`
}

// ConversationPayload addresses a pair conversation by the other party.
type ConversationPayload struct {
	FriendID string `json:"friend_id"`
}

// HistoryFetchPayload requests a history window for a pair conversation.
type HistoryFetchPayload struct {
	FriendID string `json:"friend_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	FriendID string           `json:"friend_id"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// PresenceStatusPayload carries a friend's online/offline transition.
type PresenceStatusPayload struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// FriendsOnlinePayload answers friends.online.fetch.
type FriendsOnlinePayload struct {
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
