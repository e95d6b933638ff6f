// Package realtime contains Arcadia's websocket gateway, connection registry,
// presence fan-out and message dispatch primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "arcadia/contracts/chat/v1"
	"arcadia/internal/auth"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	wsSubprotocolV1 = "arcadia.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the websocket entrypoint for Arcadia chat.
//
// It enforces origin policy, handshake authentication, subprotocol selection,
// rate limits and heartbeats, and routes validated envelopes to the
// dispatcher, presence notifier and hub.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	dispatch *Dispatcher
	presence *Notifier
	verifier auth.Verifier
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// WSGatewayDeps bundles the collaborators of the gateway.
type WSGatewayDeps struct {
	Registry *Registry
	Hub      *Hub
	Dispatch *Dispatcher
	Presence *Notifier
	Verifier auth.Verifier
	Metrics  *Metrics
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, deps WSGatewayDeps) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Registry == nil || deps.Hub == nil || deps.Dispatch == nil || deps.Presence == nil {
		return nil, errors.New("realtime: missing gateway dependency")
	}
	if deps.Verifier == nil {
		return nil, errors.New("realtime: missing token verifier")
	}

	g := &WSGateway{
		log:      log,
		registry: deps.Registry,
		hub:      deps.Hub,
		dispatch: deps.Dispatch,
		presence: deps.Presence,
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("ARCADIA_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("ARCADIA_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("ARCADIA_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("ARCADIA_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("ARCADIA_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("ARCADIA_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("ARCADIA_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("ARCADIA_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("ARCADIA_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("ARCADIA_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Identity is established before the upgrade: unauthenticated connections
	// never reach the registry.
	identity, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connectionID := uuid.NewString()
	client := NewClient(identity.UserID, identity.Nickname, connectionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.registry.Add(client)
	g.metrics.connOpened(len(g.registry.OnlineUsers()))
	g.log.Info("ws.connect", "connection_id", connectionID, "user_id", identity.UserID)

	// Online fan-out is best-effort and must never delay or abort the
	// handshake, so it runs off the connection goroutine.
	go g.presence.UserConnected(context.WithoutCancel(ctx), identity.UserID)

	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    = make(map[string]*Conversation)
	)

	leaveAll := func() {
		joinedMu.Lock()
		defer joinedMu.Unlock()
		for key, conv := range joined {
			conv.Leave(connectionID)
			delete(joined, key)
		}
	}

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			leaveAll()
			g.dispatch.ClearTyping(client)

			_, remaining := g.registry.Remove(connectionID)
			g.metrics.connClosed(len(g.registry.OnlineUsers()))
			g.log.Info("ws.disconnect", "connection_id", connectionID, "user_id", client.UserID, "remaining", remaining)

			go g.presence.UserDisconnected(context.WithoutCancel(ctx), client.UserID, remaining)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connectionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connectionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connectionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		// Exhaustive over the closed inbound set; everything else answers
		// with an error event instead of tearing the connection down.
		switch env.Type {
		case v1.TypeHello:
			g.onHello(client)

		case v1.TypeMessageSendText:
			g.onSendText(ctx, client, env)

		case v1.TypeMessageSendMedia:
			g.onSendMedia(ctx, client, env)

		case v1.TypeTypingStart:
			g.onTyping(ctx, client, env, true)

		case v1.TypeTypingStop:
			g.onTyping(ctx, client, env, false)

		case v1.TypeConversationJoin:
			g.onJoin(ctx, client, env, joined, &joinedMu)

		case v1.TypeConversationLeave:
			g.onLeave(client, env, joined, &joinedMu)

		case v1.TypeConversationClear:
			g.onClear(ctx, client, env)

		case v1.TypeHistoryFetch:
			g.onHistoryFetch(ctx, client, env)

		case v1.TypeMessageRead:
			g.onMessageRead(ctx, client, env)

		case v1.TypeFriendsOnlineFetch:
			g.onOnlineFriends(ctx, client)

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client) {
	payload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID: client.ConnectionID,
		UserID:       client.UserID,
	})
	ack := NewEnvelope(v1.TypeHelloAck, payload, time.Now().UTC())
	if !client.TrySend(ack) {
		g.metrics.dropped()
	}
}

func (g *WSGateway) onSendText(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageSendTextPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	p.Content = strings.TrimSpace(p.Content)
	switch {
	case strings.TrimSpace(p.ReceiverID) == "":
		g.trySendError(client, "bad_payload", "missing receiver_id")
		return
	case strings.TrimSpace(p.ClientMsgID) == "":
		g.trySendError(client, "bad_payload", "missing client_msg_id")
		return
	case p.Content == "":
		g.trySendError(client, "bad_payload", "empty content")
		return
	case len([]rune(p.Content)) > maxMessageChars:
		g.trySendError(client, "bad_payload", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	if err := g.dispatch.SendText(ctx, client, p); err != nil {
		g.reportDispatchErr(client, p.ReceiverID, err)
	}
}

func (g *WSGateway) onSendMedia(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageSendMediaPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	switch {
	case strings.TrimSpace(p.ReceiverID) == "":
		g.trySendError(client, "bad_payload", "missing receiver_id")
		return
	case strings.TrimSpace(p.ClientMsgID) == "":
		g.trySendError(client, "bad_payload", "missing client_msg_id")
		return
	case strings.TrimSpace(p.Media.MediaURL) == "":
		g.trySendError(client, "bad_payload", "missing media_url")
		return
	case len(p.Media.MediaURL) > maxMediaURLChars:
		g.trySendError(client, "bad_payload", "media_url too long")
		return
	case len(p.Media.FileName) > maxFileNameChars:
		g.trySendError(client, "bad_payload", "file_name too long")
		return
	case p.Media.FileSize < 0:
		g.trySendError(client, "bad_payload", "negative file_size")
		return
	}

	if err := g.dispatch.SendMedia(ctx, client, p); err != nil {
		g.reportDispatchErr(client, p.ReceiverID, err)
	}
}

func (g *WSGateway) onTyping(ctx context.Context, client *Client, env v1.Envelope, isTyping bool) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}
	// Best-effort: the dispatcher logs and swallows failures.
	g.dispatch.Typing(ctx, client, strings.TrimSpace(p.ReceiverID), isTyping)
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope, joined map[string]*Conversation, mu *sync.Mutex) {
	var p v1.ConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	conv, err := g.dispatch.JoinConversation(ctx, g.hub, client, strings.TrimSpace(p.FriendID))
	if err != nil {
		g.reportDispatchErr(client, p.FriendID, err)
		return
	}

	mu.Lock()
	joined[conv.Key] = conv
	mu.Unlock()
}

func (g *WSGateway) onLeave(client *Client, env v1.Envelope, joined map[string]*Conversation, mu *sync.Mutex) {
	var p v1.ConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	// Always succeeds, even if never joined.
	key := GroupKey(client.UserID, strings.TrimSpace(p.FriendID))

	mu.Lock()
	conv, ok := joined[key]
	delete(joined, key)
	mu.Unlock()

	if !ok {
		conv, ok = g.hub.Get(key)
	}
	if ok {
		conv.Leave(client.ConnectionID)
	}
}

func (g *WSGateway) onClear(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	if err := g.dispatch.ClearConversation(ctx, client, strings.TrimSpace(p.FriendID)); err != nil {
		g.reportDispatchErr(client, p.FriendID, err)
	}
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}

	chunk, err := g.dispatch.History(ctx, client, p)
	if err != nil {
		g.reportDispatchErr(client, p.FriendID, err)
		return
	}

	payload, _ := json.Marshal(chunk)
	out := NewEnvelope(v1.TypeHistoryChunk, payload, time.Now().UTC())
	if !client.TrySend(out) {
		g.metrics.dropped()
	}
}

func (g *WSGateway) onMessageRead(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "bad_payload", "invalid payload")
		return
	}
	if strings.TrimSpace(p.MessageID) == "" {
		g.trySendError(client, "bad_payload", "missing message_id")
		return
	}

	readAt, err := g.dispatch.MarkRead(ctx, client, p.MessageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			g.trySendError(client, "not_found", "message not found")
		} else {
			g.log.Error("ws.read_receipt.fail", "connection_id", client.ConnectionID, "message_id", p.MessageID, "err", err)
			g.trySendError(client, "persistence_failed", "could not record read receipt")
		}
		return
	}

	payload, _ := json.Marshal(v1.MessageReadAckPayload{MessageID: p.MessageID, ReadAt: readAt})
	out := NewEnvelope(v1.TypeMessageReadAck, payload, time.Now().UTC())
	if !client.TrySend(out) {
		g.metrics.dropped()
	}
}

func (g *WSGateway) onOnlineFriends(ctx context.Context, client *Client) {
	ids, err := g.dispatch.OnlineFriends(ctx, client.UserID)
	if err != nil {
		g.log.Error("ws.online_friends.fail", "connection_id", client.ConnectionID, "user_id", client.UserID, "err", err)
		g.trySendError(client, "lookup_failed", "could not resolve online friends")
		return
	}

	payload, _ := json.Marshal(v1.FriendsOnlinePayload{UserIDs: ids})
	out := NewEnvelope(v1.TypeFriendsOnline, payload, time.Now().UTC())
	if !client.TrySend(out) {
		g.metrics.dropped()
	}
}

// reportDispatchErr converts a dispatcher failure into a caller-directed
// error event. Only the caller learns about it; the connection stays open.
func (g *WSGateway) reportDispatchErr(client *Client, otherID string, err error) {
	switch {
	case IsForbidden(err):
		g.log.Info("ws.dispatch.forbidden", "connection_id", client.ConnectionID, "user_id", client.UserID, "other_id", otherID, "err", err)
		g.trySendError(client, "forbidden", err.Error())
	default:
		g.log.Error("ws.dispatch.fail", "connection_id", client.ConnectionID, "user_id", client.UserID, "other_id", otherID, "err", err)
		g.trySendError(client, "persistence_failed", "operation failed")
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := NewEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = client.TrySend(env)
	g.metrics.gatewayError(code)
}

// ---- handshake auth ----

func (g *WSGateway) authenticate(r *http.Request) (auth.Identity, error) {
	token := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return auth.Identity{}, errors.New("malformed authorization header")
		}
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		// Browser WebSocket API cannot set headers; allow a query token.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return auth.Identity{}, errors.New("missing token")
	}

	return g.verifier.Verify(r.Context(), token)
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
