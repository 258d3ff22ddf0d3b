// ABOUTME: Transport interface, ordered registry, and the JSON wire envelope.
// ABOUTME: The broker consumes transports; it never owns their connection details.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// ErrDuplicateTransport is returned when registering a name twice.
var ErrDuplicateTransport = errors.New("transport already registered")

// ErrNotConnected is returned by Send before Connect or after Disconnect.
var ErrNotConnected = errors.New("transport not connected")

// Transport moves messages between this process and remote agents. The
// broker tries transports in registration order until one delivery
// succeeds; it treats every implementation identically.
type Transport interface {
	// Connect establishes the transport's resources (listeners, sessions).
	Connect(ctx context.Context) error

	// Disconnect releases them. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// Send delivers a message to its destination. The message has already
	// been persisted by the caller.
	Send(ctx context.Context, msg *store.Message) error

	// Subscribe registers a callback invoked for every inbound message.
	Subscribe(fn func(*store.Message))

	// Healthy reports whether the transport can currently deliver.
	Healthy() bool

	// Info describes the transport's connection state.
	Info() ConnectionInfo
}

// ConnectionInfo is a snapshot of a transport's identity and state.
type ConnectionInfo struct {
	Transport string
	Address   string
	Connected bool
}

// NamedTransport pairs a registered transport with its registry name.
type NamedTransport struct {
	Name      string
	Transport Transport
}

// Registry holds transports keyed by unique name, preserving registration
// order for the broker's first-success delivery walk.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	transports map[string]Transport
	logger     *slog.Logger
}

// NewRegistry creates an empty transport registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transports: make(map[string]Transport),
		logger:     logger.With("component", "transport"),
	}
}

// Register adds a transport under a unique name.
// Returns ErrDuplicateTransport if the name is taken.
func (r *Registry) Register(name string, t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransport, name)
	}
	r.transports[name] = t
	r.order = append(r.order, name)
	r.logger.Info("transport registered", "name", name, "total", len(r.order))
	return nil
}

// Get returns the transport registered under name.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// InOrder returns transports in registration order.
func (r *Registry) InOrder() []NamedTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NamedTransport, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, NamedTransport{Name: name, Transport: r.transports[name]})
	}
	return out
}

// ConnectAll connects every transport in registration order, failing fast
// on the first error.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, nt := range r.InOrder() {
		if err := nt.Transport.Connect(ctx); err != nil {
			return fmt.Errorf("connecting transport %s: %w", nt.Name, err)
		}
		r.logger.Info("transport connected", "name", nt.Name, "address", nt.Transport.Info().Address)
	}
	return nil
}

// DisconnectAll disconnects every transport, collecting failures so one
// broken transport never blocks the rest from releasing.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, nt := range r.InOrder() {
		if err := nt.Transport.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting transport %s: %w", nt.Name, err))
		}
	}
	return errors.Join(errs...)
}

// wireMessage is the JSON envelope messages travel in between processes.
// Field names are part of the wire contract; changing them breaks peers.
type wireMessage struct {
	ID            string            `json:"id"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Type          string            `json:"type"`
	Content       any               `json:"content,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Priority      string            `json:"priority"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toWire(msg *store.Message) *wireMessage {
	return &wireMessage{
		ID:            msg.ID,
		From:          msg.From,
		To:            msg.To,
		Type:          string(msg.Type),
		Content:       msg.Content,
		Timestamp:     msg.Timestamp,
		CorrelationID: msg.CorrelationID,
		Priority:      string(msg.Priority),
		RetryCount:    msg.RetryCount,
		MaxRetries:    msg.MaxRetries,
		Metadata:      msg.Metadata,
	}
}

func fromWire(w *wireMessage) *store.Message {
	return &store.Message{
		ID:            w.ID,
		From:          w.From,
		To:            w.To,
		Type:          store.MessageType(w.Type),
		Content:       w.Content,
		Timestamp:     w.Timestamp,
		CorrelationID: w.CorrelationID,
		Priority:      store.Priority(w.Priority),
		RetryCount:    w.RetryCount,
		MaxRetries:    w.MaxRetries,
		Metadata:      w.Metadata,
		Status:        store.StatusPending,
	}
}
