package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "arcadia/contracts/chat/v1"
	"arcadia/internal/social"

	"golang.org/x/sync/errgroup"
)

const presenceFanoutConcurrency = 8

// Notifier broadcasts online/offline transitions to a user's friends.
//
// Presence notification is best-effort: friend-lookup or push failures are
// logged and swallowed, and never abort the connect/disconnect transition.
type Notifier struct {
	log      *slog.Logger
	registry *Registry
	social   social.Store
	metrics  *Metrics

	// OfflineOnLastOnly controls the disconnect semantics.
	// true (default): the offline broadcast fires only when the departing
	// connection was the user's last one, so closing a second tab does not
	// mark a still-connected user offline.
	// false: broadcast on every disconnect (legacy behavior).
	OfflineOnLastOnly bool
}

// NewNotifier constructs a presence Notifier.
func NewNotifier(log *slog.Logger, registry *Registry, socialStore social.Store, metrics *Metrics) *Notifier {
	return &Notifier{
		log:               log,
		registry:          registry,
		social:            socialStore,
		metrics:           metrics,
		OfflineOnLastOnly: true,
	}
}

// UserConnected fans an online transition out to userID's friends.
func (n *Notifier) UserConnected(ctx context.Context, userID string) {
	n.broadcast(ctx, userID, true)
}

// UserDisconnected fans an offline transition out to userID's friends.
// remaining is the user's connection count after the disconnect.
func (n *Notifier) UserDisconnected(ctx context.Context, userID string, remaining int) {
	if n.OfflineOnLastOnly && remaining > 0 {
		return
	}
	n.broadcast(ctx, userID, false)
}

func (n *Notifier) broadcast(ctx context.Context, userID string, online bool) {
	if n == nil || userID == "" {
		return
	}

	friends, err := n.social.Friends(ctx, userID)
	if err != nil {
		// Swallowed: presence must never abort the connection transition.
		n.log.Warn("presence.friends.fail", "user_id", userID, "err", err)
		return
	}
	if len(friends) == 0 {
		return
	}

	payload, _ := json.Marshal(v1.PresenceStatusPayload{
		UserID:   userID,
		IsOnline: online,
	})
	env := NewEnvelope(v1.TypePresenceStatus, payload, time.Now().UTC())

	// Per-friend fan-out is independent: a failed or dropped push for one
	// friend never blocks the others.
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(presenceFanoutConcurrency)

	for _, friendID := range friends {
		g.Go(func() error {
			for _, c := range n.registry.Connections(friendID) {
				if !c.TrySend(env) {
					n.metrics.dropped()
					n.log.Info("presence.push.drop", "friend_id", friendID, "connection_id", c.ConnectionID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	status := "offline"
	if online {
		status = "online"
	}
	n.metrics.presence(status)
	n.log.Info("presence.broadcast", "user_id", userID, "status", status, "friends", len(friends))
}
