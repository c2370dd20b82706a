package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness is enforced by uq_chat_conversations_pair; a losing insert
//     surfaces as ErrConflict.
//   - Appends are serialized per conversation with a transactional advisory lock,
//     so ids and created_at never go backwards inside a conversation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the chat tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply chat schema: %w", err)
	}
	return nil
}

// SchemaSQL returns the DDL for the chat tables inside schema.
// Must remain semantically aligned with db/schema.sql.
func SchemaSQL(schema string) string {
	conversations := pgIdent(schema, "chat_conversations")
	messages := pgIdent(schema, "chat_messages")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id               BIGSERIAL PRIMARY KEY,
  participant_low  BIGINT NOT NULL,
  participant_high BIGINT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_chat_conversations_pair CHECK (participant_low > 0 AND participant_low < participant_high),
  CONSTRAINT uq_chat_conversations_pair UNIQUE (participant_low, participant_high)
);

CREATE INDEX IF NOT EXISTS idx_chat_conversations_high ON %[1]s (participant_high);

CREATE TABLE IF NOT EXISTS %[2]s (
  id              BIGSERIAL PRIMARY KEY,
  conversation_id BIGINT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  sender_id       BIGINT NOT NULL,
  text            TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_chat_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= %[3]d)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation_order ON %[2]s (conversation_id, created_at, id);
`, conversations, messages, MaxMessageChars)
}

// FindConversation returns the conversation for pair or ErrNotFound.
func (s *PostgresStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "chat_conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_low, participant_high, created_at
		   FROM `+conversations+`
		  WHERE participant_low = $1 AND participant_high = $2`,
		pair.Low, pair.High,
	).Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// CreateConversation inserts a conversation for pair, or fails with ErrConflict.
func (s *PostgresStore) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if pair.Low <= 0 || pair.Low >= pair.High {
		return Conversation{}, errors.New("invalid pair")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "chat_conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (participant_low, participant_high, created_at)
		 VALUES ($1, $2, $3)
		 RETURNING id, participant_low, participant_high, created_at`,
		pair.Low, pair.High, now,
	).Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &c.CreatedAt)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Conversation{}, ErrConflict
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation by id or ErrNotFound.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "chat_conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_low, participant_high, created_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ListConversations returns userID's conversations with their latest message,
// most recent first. Conversations without messages come last.
func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "chat_conversations")
	messages := pgIdent(s.schema, "chat_messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id,
		        CASE WHEN c.participant_low = $1 THEN c.participant_high ELSE c.participant_low END,
		        lm.text,
		        lm.created_at
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		        SELECT m.text, m.created_at
		          FROM `+messages+` m
		         WHERE m.conversation_id = c.id
		         ORDER BY m.created_at DESC, m.id DESC
		         LIMIT 1
		   ) lm ON true
		  WHERE c.participant_low = $1 OR c.participant_high = $1
		  ORDER BY lm.created_at DESC NULLS LAST, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, 8)
	for rows.Next() {
		var sum ConversationSummary
		if err := rows.Scan(&sum.ConversationID, &sum.PartnerID, &sum.LastMessage, &sum.LastMessageDate); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage appends a message to an existing conversation.
// created_at is clamped so it never precedes the conversation's latest message.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ConversationID <= 0 || in.SenderID <= 0 || in.Text == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "chat_conversations")
	messages := pgIdent(s.schema, "chat_messages")

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('chat_messages:' || $1::text, 0))`,
		in.ConversationID,
	); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var conv Conversation
	err = tx.QueryRow(ctx,
		`SELECT id, participant_low, participant_high, created_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		in.ConversationID,
	).Scan(&conv.ID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return Message{}, OpError{Op: "chat.AppendMessage", Kind: ErrInvalidParticipants, Msg: "sender is not a participant"}
	}

	msg := Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender_id, text, created_at)
		 VALUES ($1, $2, $3, GREATEST($4::timestamptz, COALESCE(
		     (SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1),
		     $4::timestamptz)))
		 RETURNING id, created_at`,
		in.ConversationID, in.SenderID, in.Text, now,
	).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns messages ordered by (created_at, id) ASC, with optional paging by AfterID.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	if s == nil || s.pool == nil {
		return MessagePage{}, errors.New("chat: nil store")
	}
	if in.ConversationID <= 0 {
		return MessagePage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "chat_messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterID == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, text, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at ASC, id ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, text, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND id > $2
			  ORDER BY created_at ASC, id ASC
			  LIMIT $3`,
			in.ConversationID, *in.AfterID, fetch,
		)
	}
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return MessagePage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if len(msgs) == 0 {
		msgs = nil
	}

	return MessagePage{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
