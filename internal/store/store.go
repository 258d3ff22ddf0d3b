// ABOUTME: Store interface and message types for relay persistence
// ABOUTME: Defines the Message envelope, its enums, and the Store interface backends implement

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/errs"
)

// ErrNotFound is returned when a requested message does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when saving a message whose id already exists
var ErrDuplicateMessage = errors.New("message already exists")

// MessageType classifies a message's delivery semantics.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification:
		return true
	}
	return false
}

// Priority orders messages for consumers that care. Delivery itself does not
// reorder; priority travels with the message for the receiving agent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Status tracks a persisted message through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Message is the envelope every payload travels in. Messages are persisted
// before any delivery attempt, so the table is the source of truth for what
// was sent, to whom, and whether it arrived.
type Message struct {
	ID            string
	From          string
	To            string
	Type          MessageType
	Content       any
	Timestamp     time.Time
	CorrelationID string
	Priority      Priority
	RetryCount    int
	MaxRetries    int
	Metadata      map[string]string
	Status        Status
}

// Validate checks the invariants every message must hold before it is
// persisted. Violations are validation errors: rejected before any side
// effect, never retried.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errs.Validationf("message missing id")
	}
	if m.To == "" {
		return errs.Validationf("message %s missing destination", m.ID)
	}
	if !m.Type.Valid() {
		return errs.Validationf("message %s has unknown type %q", m.ID, m.Type)
	}
	if !m.Priority.Valid() {
		return errs.Validationf("message %s has unknown priority %q", m.ID, m.Priority)
	}
	switch m.Type {
	case TypeRequest, TypeResponse:
		if m.CorrelationID == "" {
			return errs.Validationf("%s message %s missing correlation id", m.Type, m.ID)
		}
	case TypeNotification:
		if m.CorrelationID != "" {
			return errs.Validationf("notification %s must not carry correlation id %q", m.ID, m.CorrelationID)
		}
	}
	return nil
}

// Store defines the interface for durable message persistence. All backends
// share the same schema shape: a messages table keyed by id, indexed by
// timestamp, correlation id, and status.
type Store interface {
	// SaveMessage persists a message. Returns ErrDuplicateMessage when the
	// id already exists.
	SaveMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by id. Returns ErrNotFound when absent.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateStatus moves a message to a new lifecycle status.
	// Returns ErrNotFound when the message does not exist.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// IncrementRetry bumps a message's retry count by one.
	// Returns ErrNotFound when the message does not exist.
	IncrementRetry(ctx context.Context, id string) error

	// ListReplayable returns undelivered messages (pending or failed) whose
	// retry budget is not exhausted, oldest first.
	ListReplayable(ctx context.Context, limit int) ([]*Message, error)

	// PurgeBefore deletes messages in the given statuses whose timestamp is
	// older than cutoff, returning the number of rows removed.
	PurgeBefore(ctx context.Context, cutoff time.Time, statuses []Status) (int64, error)

	// Close releases the store's underlying resources.
	Close() error
}
