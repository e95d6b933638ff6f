// Package auth resolves opaque session tokens to user identities.
//
// Identity issuance (registration, login, token minting) belongs to the
// platform's identity service; this package only answers "who is this token"
// before a websocket connection is allowed to register.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidToken means the token is unknown, malformed or expired.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Nickname string
}

// Verifier resolves an opaque token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier is a fixed token -> identity map for dev and tests.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier constructs a StaticVerifier from a token map.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

// ParseStaticTokens parses the "token=user:nickname,token=user:nickname" form
// used by the ARCADIA_AUTH_STATIC_TOKENS env var.
func ParseStaticTokens(raw string) map[string]Identity {
	out := make(map[string]Identity)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, rest, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		userID, nickname, _ := strings.Cut(rest, ":")
		token = strings.TrimSpace(token)
		userID = strings.TrimSpace(userID)
		if token == "" || userID == "" {
			continue
		}
		if nickname = strings.TrimSpace(nickname); nickname == "" {
			nickname = userID
		}
		out[token] = Identity{UserID: userID, Nickname: nickname}
	}
	return out
}

// Verify resolves a token against the static map.
func (s *StaticVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := s.tokens[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
