// ABOUTME: PostgreSQL implementation of the Store interface using pgx
// ABOUTME: Same messages schema as SQLite, with JSONB payloads and native timestamps

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store from a connection URL.
// The schema is automatically created if it doesn't exist.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

// createSchema creates the messages table and indexes if they don't exist.
func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			from_agent     TEXT NOT NULL,
			to_agent       TEXT NOT NULL,
			type           TEXT NOT NULL,
			content        JSONB,
			timestamp      TIMESTAMPTZ NOT NULL,
			correlation_id TEXT,
			priority       TEXT NOT NULL DEFAULT 'normal',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 3,
			metadata       JSONB,
			status         TEXT NOT NULL DEFAULT 'pending',

			CHECK (type IN ('request', 'response', 'notification')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (status IN ('pending', 'delivered', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// SaveMessage persists a message.
// If a message with the same id already exists, it returns ErrDuplicateMessage.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) error {
	content, err := marshalJSONB(msg.Content)
	if err != nil {
		return fmt.Errorf("serializing content: %w", err)
	}
	var metadata []byte
	if len(msg.Metadata) > 0 {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("serializing metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID,
		msg.From,
		msg.To,
		string(msg.Type),
		content,
		msg.Timestamp.UTC(),
		nullString(msg.CorrelationID),
		string(msg.Priority),
		msg.RetryCount,
		msg.MaxRetries,
		metadata,
		string(msg.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "to", msg.To, "type", msg.Type)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status
		FROM messages WHERE id = $1`, id)

	msg, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// UpdateStatus moves a message to a new lifecycle status.
// Returns ErrNotFound if the message doesn't exist.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message status", "id", id, "status", status)
	return nil
}

// IncrementRetry bumps a message's retry count by one.
// Returns ErrNotFound if the message doesn't exist.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET retry_count = retry_count + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReplayable returns undelivered messages whose retry budget is not
// exhausted, oldest first. If limit is 0 or negative, a default of 100 is used.
func (s *PostgresStore) ListReplayable(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status
		FROM messages
		WHERE status IN ('pending', 'failed') AND retry_count < max_retries
		ORDER BY timestamp ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying replayable messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// PurgeBefore deletes messages in the given statuses older than cutoff.
// Returns the number of rows removed.
func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time, statuses []Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE timestamp < $1 AND status = ANY($2)`,
		cutoff.UTC(), names,
	)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		s.logger.Debug("purged messages", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// scanPgMessage reads one message row in select column order.
func scanPgMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var typeStr, priorityStr, statusStr string
	var content, metadata []byte
	var correlationID *string

	if err := row.Scan(
		&msg.ID,
		&msg.From,
		&msg.To,
		&typeStr,
		&content,
		&msg.Timestamp,
		&correlationID,
		&priorityStr,
		&msg.RetryCount,
		&msg.MaxRetries,
		&metadata,
		&statusStr,
	); err != nil {
		return nil, err
	}

	msg.Type = MessageType(typeStr)
	msg.Priority = Priority(priorityStr)
	msg.Status = Status(statusStr)
	if correlationID != nil {
		msg.CorrelationID = *correlationID
	}

	if len(content) > 0 {
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("deserializing content: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("deserializing metadata: %w", err)
		}
	}

	return &msg, nil
}

// marshalJSONB serializes content for a JSONB column. Nil stores as NULL.
func marshalJSONB(content any) ([]byte, error) {
	if content == nil {
		return nil, nil
	}
	return json.Marshal(content)
}
