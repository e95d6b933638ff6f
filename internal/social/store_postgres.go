package social

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads friendships and blocks from the platform database.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller closes the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures PostgresStore behavior.
type Option func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "arcadia").
func WithSchema(schema string) Option {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("social: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("social: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "arcadia",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("social: nil pool")
	}
	return st, nil
}

// Friends returns the accepted friends of userID.
func (s *PostgresStore) Friends(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("social: nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	friendships := pgIdent(s.schema, "friendships")

	rows, err := s.pool.Query(ctx,
		`SELECT friend_id FROM `+friendships+` WHERE user_id = $1 AND status = 'accepted'`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AreFriends reports whether a and b have an accepted friendship.
func (s *PostgresStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("social: nil store")
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	friendships := pgIdent(s.schema, "friendships")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+friendships+` WHERE user_id = $1 AND friend_id = $2 AND status = 'accepted'`,
		a, b,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Blocked reports whether either of a, b has blocked the other.
func (s *PostgresStore) Blocked(ctx context.Context, a, b string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("social: nil store")
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	blocks := pgIdent(s.schema, "blocks")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+blocks+`
		  WHERE (blocker_id = $1 AND blocked_id = $2)
		     OR (blocker_id = $2 AND blocked_id = $1)
		  LIMIT 1`,
		a, b,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
