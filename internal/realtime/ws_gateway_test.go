package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "arcadia/contracts/chat/v1"
	"arcadia/internal/auth"
	"arcadia/internal/social"
)

type gatewayHarness struct {
	srv    *httptest.Server
	social *social.InMemoryStore
}

// newGatewayHarness wires the full realtime stack behind an httptest server.
// Gateway knobs come from env, so callers must not use t.Parallel.
func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	t.Setenv("ARCADIA_WS_ORIGIN_REQUIRED", "false")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := discardLogger()
	registry := NewRegistry()
	socialStore := social.NewInMemoryStore()
	store := NewInMemoryStore()
	typing := NewTypingTracker(ctx, time.Minute)
	dispatch := NewDispatcher(log, registry, socialStore, store, typing, nil)
	presence := NewNotifier(log, registry, socialStore, nil)
	verifier := auth.NewStaticVerifier(map[string]auth.Identity{
		"alice-token": {UserID: "alice", Nickname: "Alice"},
		"bob-token":   {UserID: "bob", Nickname: "Bob"},
	})

	gw, err := NewWSGateway(log, WSGatewayDeps{
		Registry: registry,
		Hub:      NewHub(log),
		Dispatch: dispatch,
		Presence: presence,
		Verifier: verifier,
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayHarness{srv: srv, social: socialStore}
}

func (h *gatewayHarness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (h *gatewayHarness) dial(t *testing.T, ctx context.Context, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, h.wsURL(token), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func wsSend(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	data, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// wsRecv reads until an envelope of wantType arrives, skipping asynchronous
// presence pushes that may interleave with request/response traffic.
func wsRecv(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) v1.Envelope {
	t.Helper()

	for i := 0; i < 16; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v (raw=%s)", err, data)
		}
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypePresenceStatus {
			continue
		}
		t.Fatalf("got %q (payload=%s) while waiting for %q", env.Type, env.Payload, wantType)
	}
	t.Fatalf("no %s after 16 frames", wantType)
	return v1.Envelope{}
}

func TestWSGateway_RejectsMissingToken(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, h.wsURL(""), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		t.Fatalf("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status=%v want 401", resp)
	}
}

func TestWSGateway_RejectsUnknownToken(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, h.wsURL("forged"), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err == nil {
		t.Fatalf("dial with unknown token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status=%v want 401", resp)
	}
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.wsURL("alice-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("read err=%v want protocol error close", err)
	}
}

func TestWSGateway_HelloAck(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := h.dial(t, ctx, "alice-token")
	wsSend(t, ctx, conn, v1.TypeHello, nil)

	env := wsRecv(t, ctx, conn, v1.TypeHelloAck)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.UserID != "alice" || ack.ConnectionID == "" {
		t.Fatalf("ack=%+v want alice with a connection id", ack)
	}
}

func TestWSGateway_TextMessage_EndToEnd(t *testing.T) {
	h := newGatewayHarness(t)
	h.social.AddFriendship("alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")
	bob := h.dial(t, ctx, "bob-token")

	wsSend(t, ctx, alice, v1.TypeMessageSendText, v1.MessageSendTextPayload{
		ReceiverID:  "bob",
		ClientMsgID: "c1",
		Content:     "gg wp",
	})

	sent := wsRecv(t, ctx, alice, v1.TypeMessageSent)
	var ackMsg v1.MessagePayload
	if err := json.Unmarshal(sent.Payload, &ackMsg); err != nil {
		t.Fatalf("unmarshal sent: %v", err)
	}
	if ackMsg.Content != "gg wp" || ackMsg.Seq != 1 {
		t.Fatalf("sent ack=%+v", ackMsg)
	}

	recv := wsRecv(t, ctx, bob, v1.TypeMessageReceive)
	var msg v1.MessagePayload
	if err := json.Unmarshal(recv.Payload, &msg); err != nil {
		t.Fatalf("unmarshal receive: %v", err)
	}
	if msg.MessageID != ackMsg.MessageID || msg.SenderID != "alice" {
		t.Fatalf("receive=%+v want alice's message %s", msg, ackMsg.MessageID)
	}
}

func TestWSGateway_SendToStranger_ErrorEventConnectionStaysOpen(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")

	wsSend(t, ctx, alice, v1.TypeMessageSendText, v1.MessageSendTextPayload{
		ReceiverID:  "bob",
		ClientMsgID: "c1",
		Content:     "hi",
	})

	env := wsRecv(t, ctx, alice, v1.TypeError)
	var perr v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &perr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if perr.Code != "forbidden" {
		t.Fatalf("error code=%q want forbidden", perr.Code)
	}

	// The session survives a forbidden send.
	wsSend(t, ctx, alice, v1.TypeHello, nil)
	wsRecv(t, ctx, alice, v1.TypeHelloAck)
}

func TestWSGateway_BadEnvelope_ErrorEvent(t *testing.T) {
	h := newGatewayHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")

	data, _ := json.Marshal(v1.Envelope{V: "v99", Type: v1.TypeHello})
	if err := alice.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := wsRecv(t, ctx, alice, v1.TypeError)
	var perr v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &perr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if perr.Code != "bad_envelope" {
		t.Fatalf("error code=%q want bad_envelope", perr.Code)
	}
}

func TestWSGateway_TypingIndicator_EndToEnd(t *testing.T) {
	h := newGatewayHarness(t)
	h.social.AddFriendship("alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")
	bob := h.dial(t, ctx, "bob-token")

	wsSend(t, ctx, alice, v1.TypeTypingStart, v1.TypingPayload{ReceiverID: "bob"})

	env := wsRecv(t, ctx, bob, v1.TypeTypingIndicator)
	var ind v1.TypingIndicatorPayload
	if err := json.Unmarshal(env.Payload, &ind); err != nil {
		t.Fatalf("unmarshal indicator: %v", err)
	}
	if !ind.IsTyping || ind.UserID != "alice" || ind.UserNickname != "Alice" {
		t.Fatalf("indicator=%+v want Alice typing", ind)
	}

	wsSend(t, ctx, alice, v1.TypeTypingStop, v1.TypingPayload{ReceiverID: "bob"})
	env = wsRecv(t, ctx, bob, v1.TypeTypingIndicator)
	if err := json.Unmarshal(env.Payload, &ind); err != nil {
		t.Fatalf("unmarshal indicator: %v", err)
	}
	if ind.IsTyping {
		t.Fatalf("indicator=%+v want stopped", ind)
	}
}

func TestWSGateway_PresenceOnDisconnect(t *testing.T) {
	h := newGatewayHarness(t)
	h.social.AddFriendship("alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")
	bob := h.dial(t, ctx, "bob-token")

	// Alice learns bob came online.
	env := wsRecv(t, ctx, alice, v1.TypePresenceStatus)
	var st v1.PresenceStatusPayload
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if st.UserID != "bob" || !st.IsOnline {
		t.Fatalf("presence=%+v want bob online", st)
	}

	_ = bob.Close(websocket.StatusNormalClosure, "logging off")

	env = wsRecv(t, ctx, alice, v1.TypePresenceStatus)
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if st.UserID != "bob" || st.IsOnline {
		t.Fatalf("presence=%+v want bob offline", st)
	}
}

func TestWSGateway_HistoryAndReadReceipt_EndToEnd(t *testing.T) {
	h := newGatewayHarness(t)
	h.social.AddFriendship("alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")

	wsSend(t, ctx, alice, v1.TypeMessageSendText, v1.MessageSendTextPayload{
		ReceiverID:  "bob",
		ClientMsgID: "c1",
		Content:     "see you in ranked",
	})
	wsRecv(t, ctx, alice, v1.TypeMessageSent)

	// Bob connects later and pulls history.
	bob := h.dial(t, ctx, "bob-token")
	wsSend(t, ctx, bob, v1.TypeHistoryFetch, v1.HistoryFetchPayload{FriendID: "alice"})

	env := wsRecv(t, ctx, bob, v1.TypeHistoryChunk)
	var chunk v1.HistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if len(chunk.Messages) != 1 || chunk.Messages[0].Content != "see you in ranked" {
		t.Fatalf("chunk=%+v want the stored message", chunk)
	}

	wsSend(t, ctx, bob, v1.TypeMessageRead, v1.MessageReadPayload{MessageID: chunk.Messages[0].MessageID})
	env = wsRecv(t, ctx, bob, v1.TypeMessageReadAck)
	var ack v1.MessageReadAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal read ack: %v", err)
	}
	if ack.MessageID != chunk.Messages[0].MessageID || ack.ReadAt.IsZero() {
		t.Fatalf("read ack=%+v", ack)
	}
}

func TestWSGateway_OnlineFriendsFetch(t *testing.T) {
	h := newGatewayHarness(t)
	h.social.AddFriendship("alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := h.dial(t, ctx, "alice-token")
	_ = h.dial(t, ctx, "bob-token")

	// Bob's registration happens during his handshake; the presence push to
	// alice doubles as the sync point.
	wsRecv(t, ctx, alice, v1.TypePresenceStatus)

	wsSend(t, ctx, alice, v1.TypeFriendsOnlineFetch, nil)
	env := wsRecv(t, ctx, alice, v1.TypeFriendsOnline)
	var friends v1.FriendsOnlinePayload
	if err := json.Unmarshal(env.Payload, &friends); err != nil {
		t.Fatalf("unmarshal friends: %v", err)
	}
	if len(friends.UserIDs) != 1 || friends.UserIDs[0] != "bob" {
		t.Fatalf("online friends=%v want [bob]", friends.UserIDs)
	}
}
