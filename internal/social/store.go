// Package social exposes the friendship and block relationships the realtime
// core consults. The data is owned by the platform's social service; this
// package is a read-through boundary and never caches.
package social

import "context"

// Store answers relationship questions for a pair of users.
//
// Every presence or dispatch decision re-queries the store: the small latency
// cost buys trivial consistency (no local invalidation problem).
type Store interface {
	// Friends returns the user ids of userID's friends.
	Friends(ctx context.Context, userID string) ([]string, error)

	// AreFriends reports whether a and b have an accepted friendship.
	AreFriends(ctx context.Context, a, b string) (bool, error)

	// Blocked reports whether either of a, b has blocked the other.
	Blocked(ctx context.Context, a, b string) (bool, error)
}
