package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const verifiedTokenCacheTTL = time.Minute

// PostgresVerifier resolves tokens against the platform sessions table.
//
// Tokens are stored as sha256 hex digests; the raw token never touches the
// database. Verified identities sit in a short TTL cache so a chatty client
// reconnecting repeatedly does not hammer the sessions table.
type PostgresVerifier struct {
	pool   *pgxpool.Pool
	schema string
	cache  geche.Geche[string, Identity]
	now    func() time.Time
}

// Option configures PostgresVerifier behavior.
type Option func(*PostgresVerifier) error

// WithSchema sets the DB schema used by the verifier (default: "arcadia").
func WithSchema(schema string) Option {
	return func(v *PostgresVerifier) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("auth: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("auth: invalid schema identifier")
		}
		v.schema = schema
		return nil
	}
}

// NewPostgresVerifier constructs a Postgres-backed Verifier.
// The cache sweep goroutine stops when ctx is cancelled.
func NewPostgresVerifier(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresVerifier, error) {
	v := &PostgresVerifier{
		pool:   pool,
		schema: "arcadia",
		cache:  geche.NewMapTTLCache[string, Identity](ctx, verifiedTokenCacheTTL, 30*time.Second),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	if v.pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	return v, nil
}

// Verify resolves a token to an Identity, consulting the cache first.
func (v *PostgresVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v == nil || v.pool == nil {
		return Identity{}, errors.New("auth: nil verifier")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	digest := tokenDigest(token)

	if id, err := v.cache.Get(digest); err == nil {
		return id, nil
	}

	sessions := pgIdent(v.schema, "sessions")

	var (
		id        Identity
		expiresAt time.Time
	)
	err := v.pool.QueryRow(ctx,
		`SELECT user_id, nickname, expires_at
		   FROM `+sessions+`
		  WHERE token_digest = $1`,
		digest,
	).Scan(&id.UserID, &id.Nickname, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	if !expiresAt.After(v.now().UTC()) {
		return Identity{}, ErrInvalidToken
	}

	v.cache.Set(digest, id)
	return id, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
