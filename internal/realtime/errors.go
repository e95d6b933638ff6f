package realtime

import "errors"

// Forbidden-class relationship failures. Both are reported to the caller only
// and never reach persistence.
var (
	// ErrNotFriends means sender and receiver have no friendship record.
	ErrNotFriends = errors.New("users are not friends")

	// ErrBlocked means one party has blocked the other.
	ErrBlocked = errors.New("relationship is blocked")
)

// IsForbidden reports whether err belongs to the forbidden-relationship class.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrNotFriends) || errors.Is(err, ErrBlocked)
}
