package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	v1 "arcadia/contracts/chat/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "arcadia").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Create persists a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if s == nil || s.pool == nil {
		return CreateMessageResult{}, errors.New("realtime: nil store")
	}
	if err := in.Validate(); err != nil {
		return CreateMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	convID := GroupKey(in.SenderID, in.ReceiverID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, convID); err != nil {
		return CreateMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, convID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return CreateMessageResult{}, err
		}
		return CreateMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateMessageResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		convID,
	); err != nil {
		return CreateMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		convID,
	).Scan(&seq); err != nil {
		return CreateMessageResult{}, err
	}

	msgID, err := NewMessageID(now)
	if err != nil {
		return CreateMessageResult{}, err
	}

	var media []byte
	if in.Media != nil {
		media, err = json.Marshal(in.Media)
		if err != nil {
			return CreateMessageResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     message_id, conversation_id, client_msg_id, seq,
		     sender_id, receiver_id, kind, content, media, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msgID, convID, in.ClientMsgID, seq,
		in.SenderID, in.ReceiverID, in.Kind, in.Content, media, now,
	); err != nil {
		return CreateMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := StoredMessage{
		MessageID:      msgID,
		ConversationID: convID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            seq,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Kind:           in.Kind,
		Content:        in.Content,
		Media:          in.Media,
		CreatedAt:      now,
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateMessageResult{}, err
	}
	return CreateMessageResult{Stored: out, Duplicated: false}, nil
}

// FetchConversation returns messages ordered by seq ASC with paging via after_seq.
// Soft-deleted messages are excluded.
func (s *PostgresStore) FetchConversation(ctx context.Context, in FetchConversationInput) (FetchConversationResult, error) {
	if s == nil || s.pool == nil {
		return FetchConversationResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" {
		return FetchConversationResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchConversationResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, conversation_id, client_msg_id, seq,
		        sender_id, receiver_id, kind, content, media, created_at, read_at
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND seq > $2 AND deleted_at IS NULL
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, after, fetch,
	)
	if err != nil {
		return FetchConversationResult{}, err
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var (
			m     StoredMessage
			media []byte
		)
		if err := rows.Scan(
			&m.MessageID, &m.ConversationID, &m.ClientMsgID, &m.Seq,
			&m.SenderID, &m.ReceiverID, &m.Kind, &m.Content, &media, &m.CreatedAt, &m.ReadAt,
		); err != nil {
			return FetchConversationResult{}, err
		}
		if len(media) > 0 {
			var d v1.MediaDescriptor
			if err := json.Unmarshal(media, &d); err != nil {
				return FetchConversationResult{}, fmt.Errorf("decode media: %w", err)
			}
			m.Media = &d
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchConversationResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchConversationResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead records a read receipt. Only the receiver may mark a message read.
// Marking an already-read message returns the original receipt time.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID, readerID string, now time.Time) (time.Time, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, errors.New("realtime: nil store")
	}
	if messageID == "" || readerID == "" {
		return time.Time{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	var readAt time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET read_at = COALESCE(read_at, $3)
		  WHERE message_id = $1 AND receiver_id = $2 AND deleted_at IS NULL
		RETURNING read_at`,
		messageID, readerID, now,
	).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrMessageNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return readAt, nil
}

// Delete soft-deletes (default) or hard-deletes a message.
// Only the sender may delete their own message.
func (s *PostgresStore) Delete(ctx context.Context, messageID, requesterID string, hard bool) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if messageID == "" || requesterID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	if hard {
		ct, err := s.pool.Exec(ctx,
			`DELETE FROM `+messages+` WHERE message_id = $1 AND sender_id = $2`,
			messageID, requesterID,
		)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return ErrMessageNotFound
		}
		return nil
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET deleted_at = now()
		  WHERE message_id = $1 AND sender_id = $2 AND deleted_at IS NULL`,
		messageID, requesterID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ClearConversation removes every message of a conversation.
func (s *PostgresStore) ClearConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if conversationID == "" {
		return errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+messages+` WHERE conversation_id = $1`,
		conversationID,
	)
	return err
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (StoredMessage, error) {
	var (
		m     StoredMessage
		media []byte
	)
	err := tx.QueryRow(ctx,
		`SELECT message_id, conversation_id, client_msg_id, seq,
		        sender_id, receiver_id, kind, content, media, created_at, read_at
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(
		&m.MessageID, &m.ConversationID, &m.ClientMsgID, &m.Seq,
		&m.SenderID, &m.ReceiverID, &m.Kind, &m.Content, &media, &m.CreatedAt, &m.ReadAt,
	)
	if err != nil {
		return StoredMessage{}, err
	}
	if len(media) > 0 {
		var d v1.MediaDescriptor
		if err := json.Unmarshal(media, &d); err != nil {
			return StoredMessage{}, fmt.Errorf("decode media: %w", err)
		}
		m.Media = &d
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
