// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Exercises persistence round-trips, lifecycle updates, replay listing, purging

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestStore_SaveMessage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:            "msg-123",
		From:          "planner",
		To:            "worker-1",
		Type:          TypeRequest,
		Content:       map[string]any{"action": "fetch", "depth": float64(2)},
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		CorrelationID: "corr-123",
		Priority:      PriorityHigh,
		MaxRetries:    3,
		Metadata:      map[string]string{"trace": "t-1"},
		Status:        StatusPending,
	}

	err := store.SaveMessage(ctx, msg)
	require.NoError(t, err)

	retrieved, err := store.GetMessage(ctx, "msg-123")
	require.NoError(t, err)
	assert.Equal(t, "planner", retrieved.From)
	assert.Equal(t, "worker-1", retrieved.To)
	assert.Equal(t, TypeRequest, retrieved.Type)
	assert.Equal(t, "corr-123", retrieved.CorrelationID)
	assert.Equal(t, PriorityHigh, retrieved.Priority)
	assert.Equal(t, StatusPending, retrieved.Status)
	assert.Equal(t, 3, retrieved.MaxRetries)
	assert.Equal(t, "t-1", retrieved.Metadata["trace"])
	assert.True(t, msg.Timestamp.Equal(retrieved.Timestamp),
		"expected %v, got %v", msg.Timestamp, retrieved.Timestamp)

	content, ok := retrieved.Content.(map[string]any)
	require.True(t, ok, "content should deserialize as a map")
	assert.Equal(t, "fetch", content["action"])
	assert.Equal(t, float64(2), content["depth"])
}

func TestStore_SaveMessage_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:        "msg-123",
		From:      "planner",
		To:        "worker-1",
		Type:      TypeNotification,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Status:    StatusPending,
	}

	require.NoError(t, store.SaveMessage(ctx, msg))

	err := store.SaveMessage(ctx, msg)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestStore_SaveMessage_NilContentAndMetadata(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:        "msg-bare",
		From:      "planner",
		To:        "worker-1",
		Type:      TypeNotification,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityLow,
		Status:    StatusPending,
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	retrieved, err := store.GetMessage(ctx, "msg-bare")
	require.NoError(t, err)
	assert.Nil(t, retrieved.Content)
	assert.Nil(t, retrieved.Metadata)
	assert.Empty(t, retrieved.CorrelationID)
}

func TestStore_GetMessage_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetMessage(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:        "msg-123",
		From:      "planner",
		To:        "worker-1",
		Type:      TypeNotification,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Status:    StatusPending,
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	require.NoError(t, store.UpdateStatus(ctx, "msg-123", StatusDelivered))

	retrieved, err := store.GetMessage(ctx, "msg-123")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, retrieved.Status)
}

func TestStore_UpdateStatus_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.UpdateStatus(ctx, "nonexistent", StatusDelivered)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_IncrementRetry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:         "msg-123",
		From:       "planner",
		To:         "worker-1",
		Type:       TypeNotification,
		Timestamp:  time.Now().UTC(),
		Priority:   PriorityNormal,
		MaxRetries: 3,
		Status:     StatusFailed,
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	require.NoError(t, store.IncrementRetry(ctx, "msg-123"))
	require.NoError(t, store.IncrementRetry(ctx, "msg-123"))

	retrieved, err := store.GetMessage(ctx, "msg-123")
	require.NoError(t, err)
	assert.Equal(t, 2, retrieved.RetryCount)
}

func TestStore_ListReplayable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	save := func(id string, age time.Duration, status Status, retries, max int) {
		t.Helper()
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID:         id,
			From:       "planner",
			To:         "worker-1",
			Type:       TypeNotification,
			Timestamp:  base.Add(-age),
			Priority:   PriorityNormal,
			RetryCount: retries,
			MaxRetries: max,
			Status:     status,
		}))
	}

	save("msg-oldest", 3*time.Hour, StatusPending, 0, 3)
	save("msg-failed", 2*time.Hour, StatusFailed, 1, 3)
	save("msg-newest", 1*time.Hour, StatusPending, 0, 3)
	save("msg-delivered", 2*time.Hour, StatusDelivered, 0, 3)
	save("msg-exhausted", 90*time.Minute, StatusFailed, 3, 3)

	replayable, err := store.ListReplayable(ctx, 10)
	require.NoError(t, err)

	ids := make([]string, len(replayable))
	for i, m := range replayable {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"msg-oldest", "msg-failed", "msg-newest"}, ids)
}

func TestStore_ListReplayable_Limit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID:         string(rune('a'+i)) + "-msg",
			From:       "planner",
			To:         "worker-1",
			Type:       TypeNotification,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Priority:   PriorityNormal,
			MaxRetries: 3,
			Status:     StatusPending,
		}))
	}

	replayable, err := store.ListReplayable(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, replayable, 2)
}

func TestStore_PurgeBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	save := func(id string, age time.Duration, status Status) {
		t.Helper()
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID:        id,
			From:      "planner",
			To:        "worker-1",
			Type:      TypeNotification,
			Timestamp: base.Add(-age),
			Priority:  PriorityNormal,
			Status:    status,
		}))
	}

	save("msg-old-delivered", 48*time.Hour, StatusDelivered)
	save("msg-old-expired", 48*time.Hour, StatusExpired)
	save("msg-old-pending", 48*time.Hour, StatusPending)
	save("msg-fresh-delivered", 1*time.Hour, StatusDelivered)

	deleted, err := store.PurgeBefore(ctx, base.Add(-24*time.Hour), []Status{StatusDelivered, StatusExpired})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Undelivered messages survive regardless of age.
	_, err = store.GetMessage(ctx, "msg-old-pending")
	assert.NoError(t, err)

	// Recent delivered messages survive.
	_, err = store.GetMessage(ctx, "msg-fresh-delivered")
	assert.NoError(t, err)

	_, err = store.GetMessage(ctx, "msg-old-delivered")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PurgeBefore_NoStatuses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deleted, err := store.PurgeBefore(ctx, time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestStore_SchemaIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	msg := &Message{
		ID:        "msg-persist",
		From:      "planner",
		To:        "worker-1",
		Type:      TypeNotification,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Status:    StatusPending,
	}
	require.NoError(t, first.SaveMessage(context.Background(), msg))
	require.NoError(t, first.Close())

	// Reopening the same file must not disturb existing rows.
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	retrieved, err := second.GetMessage(context.Background(), "msg-persist")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", retrieved.To)
}
