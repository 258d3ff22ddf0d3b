// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides durable message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			from_agent     TEXT NOT NULL,
			to_agent       TEXT NOT NULL,
			type           TEXT NOT NULL,
			content        TEXT,
			timestamp      TEXT NOT NULL,
			correlation_id TEXT,
			priority       TEXT NOT NULL DEFAULT 'normal',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 3,
			metadata       TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',

			CHECK (type IN ('request', 'response', 'notification')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (status IN ('pending', 'delivered', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'metadata'`,
			apply:  `ALTER TABLE messages ADD COLUMN metadata TEXT`,
			column: "metadata",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'max_retries'`,
			apply:  `ALTER TABLE messages ADD COLUMN max_retries INTEGER NOT NULL DEFAULT 3`,
			column: "max_retries",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveMessage persists a message.
// If a message with the same id already exists, it returns ErrDuplicateMessage.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	content, err := marshalContent(msg.Content)
	if err != nil {
		return fmt.Errorf("serializing content: %w", err)
	}
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("serializing metadata: %w", err)
	}

	query := `
		INSERT INTO messages (id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.From,
		msg.To,
		string(msg.Type),
		content,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		nullString(msg.CorrelationID),
		string(msg.Priority),
		msg.RetryCount,
		msg.MaxRetries,
		metadata,
		string(msg.Status),
	)
	if err != nil {
		// Check for UNIQUE constraint violation
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "to", msg.To, "type", msg.Type)
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := selectMessageColumns + ` WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// UpdateStatus moves a message to a new lifecycle status.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message status", "id", id, "status", status)
	return nil
}

// IncrementRetry bumps a message's retry count by one.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET retry_count = retry_count + 1 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReplayable returns undelivered messages whose retry budget is not
// exhausted, oldest first. If limit is 0 or negative, a default of 100 is used.
func (s *SQLiteStore) ListReplayable(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := selectMessageColumns + `
		WHERE status IN ('pending', 'failed') AND retry_count < max_retries
		ORDER BY timestamp ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying replayable messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
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
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time, statuses []Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(
		`DELETE FROM messages WHERE timestamp < ? AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug("purged messages", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

const selectMessageColumns = `
	SELECT id, from_agent, to_agent, type, content, timestamp,
		correlation_id, priority, retry_count, max_retries, metadata, status
	FROM messages`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads one message row in selectMessageColumns order.
func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var typeStr, priorityStr, statusStr, timestampStr string
	var content, correlationID, metadata sql.NullString

	if err := row.Scan(
		&msg.ID,
		&msg.From,
		&msg.To,
		&typeStr,
		&content,
		&timestampStr,
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
	msg.CorrelationID = correlationID.String

	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	msg.Timestamp = ts

	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &msg.Content); err != nil {
			return nil, fmt.Errorf("deserializing content: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("deserializing metadata: %w", err)
		}
	}

	return &msg, nil
}

// marshalContent serializes arbitrary content to JSON for storage.
// Nil content stores as NULL.
func marshalContent(content any) (any, error) {
	if content == nil {
		return nil, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// marshalMetadata serializes the metadata map to JSON for storage.
// Empty metadata stores as NULL.
func marshalMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullString returns nil for empty strings so they store as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
