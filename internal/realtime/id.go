package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps message and envelope ids
// ordered in logs and DB indexes.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMessageID returns a ULID used as the server-side message id.
func NewMessageID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewEnvelopeID returns a ULID used as the wire envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return NewULID(now)
}
