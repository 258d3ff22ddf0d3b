// ABOUTME: In-memory Store implementation for tests and ephemeral deployments
// ABOUTME: Allows the relay to run without SQLite or Postgres

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Messages do not survive
// a restart; it exists for tests and throwaway environments.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
	}
}

// SaveMessage stores a copy of the message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicateMessage
	}

	// Copy to avoid aliasing caller state.
	cp := *msg
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.messages[cp.ID] = &cp
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// UpdateStatus moves a message to a new lifecycle status.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	return nil
}

// IncrementRetry bumps a message's retry count by one.
func (m *MemoryStore) IncrementRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.RetryCount++
	return nil
}

// ListReplayable returns undelivered messages with retry budget left, oldest first.
func (m *MemoryStore) ListReplayable(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	var out []*Message
	for _, msg := range m.messages {
		if (msg.Status == StatusPending || msg.Status == StatusFailed) && msg.RetryCount < msg.MaxRetries {
			cp := *msg
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeBefore deletes messages in the given statuses older than cutoff.
func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time, statuses []Status) (int64, error) {
	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, msg := range m.messages {
		if wanted[msg.Status] && msg.Timestamp.Before(cutoff) {
			delete(m.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close releases nothing; it exists to satisfy the Store interface.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
