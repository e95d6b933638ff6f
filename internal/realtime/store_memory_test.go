package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCreate(t *testing.T, s MessageStore, sender, receiver, clientMsgID, content string) StoredMessage {
	t.Helper()
	res, err := s.Create(context.Background(), CreateMessageInput{
		SenderID:    sender,
		ReceiverID:  receiver,
		ClientMsgID: clientMsgID,
		Kind:        KindText,
		Content:     content,
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", clientMsgID, err)
	}
	if res.Duplicated {
		t.Fatalf("Create(%s): unexpected duplicate", clientMsgID)
	}
	return res.Stored
}

func TestInMemoryStore_Create_AssignsMonotonicSeqPerConversation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()

	m1 := mustCreate(t, s, "alice", "bob", "c1", "one")
	m2 := mustCreate(t, s, "bob", "alice", "c2", "two")
	other := mustCreate(t, s, "alice", "carol", "c3", "elsewhere")

	if m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("pair seqs=%d,%d want 1,2", m1.Seq, m2.Seq)
	}
	if m1.ConversationID != m2.ConversationID {
		t.Fatalf("both directions must share a conversation: %q vs %q", m1.ConversationID, m2.ConversationID)
	}
	if other.Seq != 1 {
		t.Fatalf("other pair seq=%d want independent counter", other.Seq)
	}
	if m1.MessageID == "" || m1.MessageID == m2.MessageID {
		t.Fatalf("message ids must be unique and non-empty: %q %q", m1.MessageID, m2.MessageID)
	}
}

func TestInMemoryStore_Create_DedupeByClientMsgID(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()

	first := mustCreate(t, s, "alice", "bob", "c1", "one")

	res, err := s.Create(context.Background(), CreateMessageInput{
		SenderID:    "alice",
		ReceiverID:  "bob",
		ClientMsgID: "c1",
		Kind:        KindText,
		Content:     "retry body is ignored",
	})
	if err != nil {
		t.Fatalf("retry Create: %v", err)
	}
	if !res.Duplicated {
		t.Fatalf("retry not flagged as duplicate")
	}
	if res.Stored.MessageID != first.MessageID || res.Stored.Seq != first.Seq || res.Stored.Content != "one" {
		t.Fatalf("retry returned %+v want original %+v", res.Stored, first)
	}
}

func TestInMemoryStore_Create_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()

	cases := []struct {
		name string
		in   CreateMessageInput
	}{
		{"missing sender", CreateMessageInput{ReceiverID: "bob", ClientMsgID: "c1", Kind: KindText, Content: "x"}},
		{"self send", CreateMessageInput{SenderID: "alice", ReceiverID: "alice", ClientMsgID: "c1", Kind: KindText, Content: "x"}},
		{"missing client_msg_id", CreateMessageInput{SenderID: "alice", ReceiverID: "bob", Kind: KindText, Content: "x"}},
		{"text without content", CreateMessageInput{SenderID: "alice", ReceiverID: "bob", ClientMsgID: "c1", Kind: KindText}},
		{"media without descriptor", CreateMessageInput{SenderID: "alice", ReceiverID: "bob", ClientMsgID: "c1", Kind: KindMedia}},
	}
	for _, tc := range cases {
		if _, err := s.Create(context.Background(), tc.in); err == nil {
			t.Errorf("%s: Create accepted invalid input", tc.name)
		}
	}
}

func TestInMemoryStore_FetchConversation_PagesAfterSeq(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	for i, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		mustCreate(t, s, "alice", "bob", id, "msg "+string(rune('a'+i)))
	}
	convID := GroupKey("alice", "bob")

	res, err := s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: convID,
		RequesterID:    "bob",
		Limit:          2,
	})
	if err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if len(res.Messages) != 2 || !res.HasMore {
		t.Fatalf("page1: n=%d has_more=%v want 2,true", len(res.Messages), res.HasMore)
	}
	if res.Messages[0].Seq != 1 || res.Messages[1].Seq != 2 {
		t.Fatalf("page1 seqs=%d,%d want 1,2", res.Messages[0].Seq, res.Messages[1].Seq)
	}

	after := res.Messages[1].Seq
	res, err = s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: convID,
		RequesterID:    "bob",
		AfterSeq:       &after,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("FetchConversation page2: %v", err)
	}
	if len(res.Messages) != 3 || res.HasMore {
		t.Fatalf("page2: n=%d has_more=%v want 3,false", len(res.Messages), res.HasMore)
	}
	if res.Messages[0].Seq != 3 {
		t.Fatalf("page2 starts at seq %d want 3", res.Messages[0].Seq)
	}

	past := int64(99)
	res, err = s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: convID,
		RequesterID:    "bob",
		AfterSeq:       &past,
	})
	if err != nil {
		t.Fatalf("FetchConversation past end: %v", err)
	}
	if len(res.Messages) != 0 || res.HasMore {
		t.Fatalf("past end: n=%d has_more=%v want 0,false", len(res.Messages), res.HasMore)
	}
}

func TestInMemoryStore_FetchConversation_ExcludesSoftDeleted(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m1 := mustCreate(t, s, "alice", "bob", "c1", "one")
	mustCreate(t, s, "alice", "bob", "c2", "two")

	if err := s.Delete(context.Background(), m1.MessageID, "alice", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	res, err := s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: m1.ConversationID,
		RequesterID:    "bob",
	})
	if err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Content != "two" {
		t.Fatalf("got %v want only the surviving message", res.Messages)
	}
}

func TestInMemoryStore_MarkRead(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustCreate(t, s, "alice", "bob", "c1", "one")

	// Only the receiver may acknowledge.
	if _, err := s.MarkRead(context.Background(), m.MessageID, "alice", time.Now()); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("sender MarkRead err=%v want ErrMessageNotFound", err)
	}

	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	got, err := s.MarkRead(context.Background(), m.MessageID, "bob", first)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("read_at=%v want %v", got, first)
	}

	// Replays keep the original timestamp.
	later := first.Add(time.Hour)
	got, err = s.MarkRead(context.Background(), m.MessageID, "bob", later)
	if err != nil {
		t.Fatalf("MarkRead replay: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("replay read_at=%v want original %v", got, first)
	}

	if _, err := s.MarkRead(context.Background(), "01UNKNOWN", "bob", later); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown id err=%v want ErrMessageNotFound", err)
	}
}

func TestInMemoryStore_Delete_SenderOnly(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustCreate(t, s, "alice", "bob", "c1", "one")

	if err := s.Delete(context.Background(), m.MessageID, "bob", false); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("receiver delete err=%v want ErrMessageNotFound", err)
	}
	if err := s.Delete(context.Background(), m.MessageID, "alice", false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	// Soft-deleting twice has nothing left to act on.
	if err := s.Delete(context.Background(), m.MessageID, "alice", false); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("double soft delete err=%v want ErrMessageNotFound", err)
	}
	// Hard delete still reaps the tombstone.
	if err := s.Delete(context.Background(), m.MessageID, "alice", true); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := s.MarkRead(context.Background(), m.MessageID, "bob", time.Now()); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("message still addressable after hard delete: %v", err)
	}
}

func TestInMemoryStore_HardDelete_FreesClientMsgID(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustCreate(t, s, "alice", "bob", "c1", "one")

	if err := s.Delete(context.Background(), m.MessageID, "alice", true); err != nil {
		t.Fatalf("hard delete: %v", err)
	}

	again := mustCreate(t, s, "alice", "bob", "c1", "fresh")
	if again.MessageID == m.MessageID {
		t.Fatalf("reused message id after hard delete")
	}
	if again.Seq <= m.Seq {
		t.Fatalf("seq=%d not advanced past %d", again.Seq, m.Seq)
	}
}

func TestInMemoryStore_ClearConversation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustCreate(t, s, "alice", "bob", "c1", "one")
	mustCreate(t, s, "alice", "bob", "c2", "two")
	keep := mustCreate(t, s, "alice", "carol", "c3", "untouched")

	if err := s.ClearConversation(context.Background(), m.ConversationID); err != nil {
		t.Fatalf("ClearConversation: %v", err)
	}

	res, err := s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: m.ConversationID,
		RequesterID:    "bob",
	})
	if err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Fatalf("cleared conversation still has %d messages", len(res.Messages))
	}

	res, err = s.FetchConversation(context.Background(), FetchConversationInput{
		ConversationID: keep.ConversationID,
		RequesterID:    "carol",
	})
	if err != nil {
		t.Fatalf("FetchConversation other pair: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("unrelated conversation lost messages: %d", len(res.Messages))
	}

	// Clearing an unknown conversation is a noop.
	if err := s.ClearConversation(context.Background(), "nope:nothing"); err != nil {
		t.Fatalf("ClearConversation unknown: %v", err)
	}
}
