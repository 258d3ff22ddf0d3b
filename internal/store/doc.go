// Package store provides durable message persistence for the relay.
//
// # Architecture
//
// The Store interface has three implementations sharing one schema shape:
//
//   - SQLiteStore: default backend (modernc.org/sqlite, WAL mode)
//   - PostgresStore: production backend (pgx connection pool, JSONB payloads)
//   - MemoryStore: tests and ephemeral deployments
//
// Every message is persisted before any delivery attempt, so the messages
// table is the source of truth for what was sent, to whom, and whether it
// arrived. Delivery state moves through pending, delivered, failed, and
// expired; the retention loop purges delivered and expired rows past the
// configured age.
//
// # Schema
//
// A single messages table keyed by id, with indexes on timestamp (retention
// and replay ordering), correlation_id (request/response matching), and
// status (replay scans):
//
//	id, from_agent, to_agent, type, content, timestamp, correlation_id,
//	priority, retry_count, max_retries, metadata, status
//
// Content and metadata are serialized JSON (TEXT in SQLite, JSONB in
// Postgres). Timestamps are RFC3339 text in SQLite and TIMESTAMPTZ in
// Postgres.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested message does not exist
//   - ErrDuplicateMessage: insert with an id that already exists
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests of packages that consume a Store.
// Use NewSQLiteStore with a t.TempDir() path for integration tests.
// Postgres tests require RELAY_TEST_POSTGRES_URL and skip otherwise.
package store
