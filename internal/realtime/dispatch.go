package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	v1 "arcadia/contracts/chat/v1"
	"arcadia/internal/social"
)

// Dispatcher orchestrates validated message delivery between friends.
//
// The order of operations is the durability contract:
//  1. relationship gate (friends, not blocked) - Forbidden-class failure,
//     nothing persisted, nothing delivered
//  2. persist via MessageStore - on failure, abort and report to caller only
//  3. message.receive to every live receiver connection and message.sent to
//     the originating connection only
//
// Delivery to zero receiver connections is success: the message is durably
// stored and shows up through history on the receiver's next connect. There
// is no retry and no queue of undelivered pushes.
type Dispatcher struct {
	log      *slog.Logger
	registry *Registry
	social   social.Store
	store    MessageStore
	typing   *TypingTracker
	metrics  *Metrics
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(
	log *slog.Logger,
	registry *Registry,
	socialStore social.Store,
	store MessageStore,
	typing *TypingTracker,
	metrics *Metrics,
) *Dispatcher {
	return &Dispatcher{
		log:      log,
		registry: registry,
		social:   socialStore,
		store:    store,
		typing:   typing,
		metrics:  metrics,
	}
}

// ensureRelationship applies the friendship+block gate between two users.
func (d *Dispatcher) ensureRelationship(ctx context.Context, a, b string) error {
	ok, err := d.social.AreFriends(ctx, a, b)
	if err != nil {
		return fmt.Errorf("friendship lookup: %w", err)
	}
	if !ok {
		return ErrNotFriends
	}

	blocked, err := d.social.Blocked(ctx, a, b)
	if err != nil {
		return fmt.Errorf("block lookup: %w", err)
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

// SendText validates, persists and delivers a text message.
func (d *Dispatcher) SendText(ctx context.Context, origin *Client, p v1.MessageSendTextPayload) error {
	return d.send(ctx, origin, CreateMessageInput{
		SenderID:    origin.UserID,
		ReceiverID:  p.ReceiverID,
		ClientMsgID: p.ClientMsgID,
		Kind:        KindText,
		Content:     p.Content,
	})
}

// SendMedia validates, persists and delivers a media message.
func (d *Dispatcher) SendMedia(ctx context.Context, origin *Client, p v1.MessageSendMediaPayload) error {
	media := p.Media
	return d.send(ctx, origin, CreateMessageInput{
		SenderID:    origin.UserID,
		ReceiverID:  p.ReceiverID,
		ClientMsgID: p.ClientMsgID,
		Kind:        KindMedia,
		Media:       &media,
	})
}

func (d *Dispatcher) send(ctx context.Context, origin *Client, in CreateMessageInput) error {
	if err := d.ensureRelationship(ctx, in.SenderID, in.ReceiverID); err != nil {
		return err
	}

	now := time.Now().UTC()
	in.Now = now

	res, err := d.store.Create(ctx, in)
	if err != nil {
		return fmt.Errorf("store create: %w", err)
	}

	stored := res.Stored
	payload, _ := json.Marshal(stored.Payload())

	// Acknowledge the originating connection only. The sender's other
	// devices learn about the message through history, not through a
	// symmetric fan-out: "this request succeeded" and "new message arrived"
	// are different signals.
	ack := NewEnvelope(v1.TypeMessageSent, payload, now)
	if !origin.TrySend(ack) {
		d.metrics.dropped()
		d.log.Info("dispatch.ack.drop", "connection_id", origin.ConnectionID, "message_id", stored.MessageID)
	}

	if res.Duplicated {
		return nil
	}

	recv := NewEnvelope(v1.TypeMessageReceive, payload, now)
	delivered := 0
	for _, c := range d.registry.Connections(in.ReceiverID) {
		if c.TrySend(recv) {
			delivered++
		} else {
			d.metrics.dropped()
			d.log.Info("dispatch.push.drop", "connection_id", c.ConnectionID, "message_id", stored.MessageID)
		}
	}

	d.metrics.message(in.Kind)
	d.log.Info("dispatch.message",
		"message_id", stored.MessageID,
		"sender_id", in.SenderID,
		"receiver_id", in.ReceiverID,
		"kind", in.Kind,
		"seq", stored.Seq,
		"delivered", delivered,
	)
	return nil
}

// Typing handles a start/stop typing signal from origin toward receiverID.
//
// Pure ephemeral signal: state is upserted/removed in the tracker and an
// indicator is pushed to all of the receiver's devices directly, independent
// of conversation membership. Never a hard failure - violations and lookup
// errors are logged and swallowed.
func (d *Dispatcher) Typing(ctx context.Context, origin *Client, receiverID string, isTyping bool) {
	if receiverID == "" || receiverID == origin.UserID {
		return
	}

	if err := d.ensureRelationship(ctx, origin.UserID, receiverID); err != nil {
		d.log.Info("dispatch.typing.skip", "sender_id", origin.UserID, "receiver_id", receiverID, "err", err)
		return
	}

	if isTyping {
		d.typing.Start(origin.UserID, receiverID)
		origin.MarkTyping(receiverID)
	} else {
		d.typing.Stop(origin.UserID, receiverID)
		origin.UnmarkTyping(receiverID)
	}

	d.pushTypingIndicator(origin, receiverID, isTyping)
}

// ClearTyping emits stop indicators for every outstanding typing.start on a
// departing connection. Called from the disconnect path so an abrupt close
// mid-typing does not strand a visible indicator on the receiver's side.
func (d *Dispatcher) ClearTyping(origin *Client) {
	for _, receiverID := range origin.DrainTyping() {
		d.typing.Stop(origin.UserID, receiverID)
		d.pushTypingIndicator(origin, receiverID, false)
	}
}

func (d *Dispatcher) pushTypingIndicator(origin *Client, receiverID string, isTyping bool) {
	payload, _ := json.Marshal(v1.TypingIndicatorPayload{
		UserID:       origin.UserID,
		UserNickname: origin.Nickname,
		IsTyping:     isTyping,
	})
	env := NewEnvelope(v1.TypeTypingIndicator, payload, time.Now().UTC())

	for _, c := range d.registry.Connections(receiverID) {
		if !c.TrySend(env) {
			d.metrics.dropped()
		}
	}
	d.metrics.typing()
}

// JoinConversation validates the relationship and subscribes the connection
// to the pair conversation. Failure surfaces to the caller only.
func (d *Dispatcher) JoinConversation(ctx context.Context, hub *Hub, origin *Client, friendID string) (*Conversation, error) {
	if friendID == "" || friendID == origin.UserID {
		return nil, fmt.Errorf("invalid friend_id")
	}
	if err := d.ensureRelationship(ctx, origin.UserID, friendID); err != nil {
		return nil, err
	}

	conv := hub.GetOrCreate(GroupKey(origin.UserID, friendID))
	conv.Join(origin)
	return conv, nil
}

// OnlineFriends returns the caller's friends that currently have at least one
// live connection.
func (d *Dispatcher) OnlineFriends(ctx context.Context, userID string) ([]string, error) {
	friends, err := d.social.Friends(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("friendship lookup: %w", err)
	}

	out := make([]string, 0, len(friends))
	for _, id := range friends {
		if d.registry.ConnectionCount(id) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// History returns a window of the pair conversation with friendID.
func (d *Dispatcher) History(ctx context.Context, origin *Client, p v1.HistoryFetchPayload) (v1.HistoryChunkPayload, error) {
	if p.FriendID == "" {
		return v1.HistoryChunkPayload{}, fmt.Errorf("missing friend_id")
	}
	if err := d.ensureRelationship(ctx, origin.UserID, p.FriendID); err != nil {
		return v1.HistoryChunkPayload{}, err
	}

	res, err := d.store.FetchConversation(ctx, FetchConversationInput{
		ConversationID: GroupKey(origin.UserID, p.FriendID),
		RequesterID:    origin.UserID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	if err != nil {
		return v1.HistoryChunkPayload{}, fmt.Errorf("store fetch: %w", err)
	}

	msgs := make([]v1.MessagePayload, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, m.Payload())
	}
	return v1.HistoryChunkPayload{
		FriendID: p.FriendID,
		Messages: msgs,
		HasMore:  res.HasMore,
	}, nil
}

// MarkRead records a read receipt for a message addressed to origin's user.
func (d *Dispatcher) MarkRead(ctx context.Context, origin *Client, messageID string) (time.Time, error) {
	readAt, err := d.store.MarkRead(ctx, messageID, origin.UserID, time.Now().UTC())
	if err != nil {
		return time.Time{}, err
	}
	return readAt, nil
}

// ClearConversation clears the pair conversation history with friendID.
func (d *Dispatcher) ClearConversation(ctx context.Context, origin *Client, friendID string) error {
	if friendID == "" || friendID == origin.UserID {
		return fmt.Errorf("invalid friend_id")
	}
	if err := d.ensureRelationship(ctx, origin.UserID, friendID); err != nil {
		return err
	}
	return d.store.ClearConversation(ctx, GroupKey(origin.UserID, friendID))
}
