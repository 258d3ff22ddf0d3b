// ABOUTME: Message broker core: validated, persisted, at-least-once delivery.
// ABOUTME: Send/Request/Respond all persist before any transport is tried.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/coven-relay/internal/errs"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

var meter = otel.GetMeterProvider().Meter("coven-relay/broker")

// PeerTracker reports and records per-peer delivery health. The agent
// directory implements it; a nil tracker disables breaker gating.
type PeerTracker interface {
	CircuitOpen(id string) bool
	MarkSuccess(id string)
	MarkFailure(id string)
}

// Config tunes the broker.
type Config struct {
	// AgentID is this node's own agent id, used as the sender on
	// outbound messages.
	AgentID string

	// DefaultTimeout bounds Request calls without an explicit timeout.
	DefaultTimeout time.Duration

	// DefaultRetries is the maxRetries stamped on new messages.
	DefaultRetries int

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration

	// MessageRetention is how long delivered and expired messages are
	// kept before the retention loop purges them.
	MessageRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgentID == "" {
		c.AgentID = "relay"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultRetries <= 0 {
		c.DefaultRetries = 3
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = 24 * time.Hour
	}
	return c
}

// Broker routes messages between agents. Every outbound message is
// persisted before delivery is attempted, so a crash between accept and
// delivery loses nothing; startup replay finishes the job.
type Broker struct {
	cfg        Config
	store      store.Store
	transports *transport.Registry
	peers      PeerTracker
	logger     *slog.Logger

	pendingMu sync.RWMutex
	pending   map[string]*pendingRequest
	closed    bool

	handlerMu sync.RWMutex
	handlers  []registeredHandler
}

// New creates a broker over a store and a set of transports. peers may be
// nil when no directory is wired in.
func New(cfg Config, st store.Store, transports *transport.Registry, peers PeerTracker, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:        cfg.withDefaults(),
		store:      st,
		transports: transports,
		peers:      peers,
		logger:     logger.With("component", "broker"),
		pending:    make(map[string]*pendingRequest),
	}
}

// AgentID returns this node's agent id.
func (b *Broker) AgentID() string {
	return b.cfg.AgentID
}

// Option adjusts a single Send, Request, or Respond call.
type Option func(*options)

type options struct {
	priority      store.Priority
	metadata      map[string]string
	maxRetries    int
	timeout       time.Duration
	correlationID string
}

// WithPriority sets the message priority.
func WithPriority(p store.Priority) Option {
	return func(o *options) { o.priority = p }
}

// WithMetadata attaches metadata to the message.
func WithMetadata(md map[string]string) Option {
	return func(o *options) { o.metadata = md }
}

// WithMaxRetries overrides the configured replay budget.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithTimeout overrides the default Request timeout. Ignored by Send and
// Respond.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCorrelationID pins a Request's correlation id instead of generating
// one. Useful when the caller needs the id before the call.
func WithCorrelationID(id string) Option {
	return func(o *options) { o.correlationID = id }
}

func (b *Broker) buildOptions(opts []Option) options {
	o := options{
		priority:   store.PriorityNormal,
		maxRetries: b.cfg.DefaultRetries,
		timeout:    b.cfg.DefaultTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (b *Broker) newMessage(to string, typ store.MessageType, content any, o options) *store.Message {
	return &store.Message{
		ID:         uuid.NewString(),
		From:       b.cfg.AgentID,
		To:         to,
		Type:       typ,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		Priority:   o.priority,
		MaxRetries: o.maxRetries,
		Metadata:   o.metadata,
		Status:     store.StatusPending,
	}
}

// Send delivers a one-way notification. The returned message is persisted
// even when every transport fails; replay picks it up later.
func (b *Broker) Send(ctx context.Context, to string, content any, opts ...Option) (*store.Message, error) {
	if b.isClosed() {
		return nil, fmt.Errorf("%w: broker not accepting messages", errs.ErrShuttingDown)
	}
	msg := b.newMessage(to, store.TypeNotification, content, b.buildOptions(opts))
	return b.send(ctx, msg)
}

// Request sends a request and blocks for the correlated response. The
// pending entry is registered before the wire is touched, so a response
// racing the send still finds its waiter.
func (b *Broker) Request(ctx context.Context, to string, content any, opts ...Option) (any, error) {
	if b.isClosed() {
		return nil, fmt.Errorf("%w: broker not accepting requests", errs.ErrShuttingDown)
	}
	o := b.buildOptions(opts)

	correlationID := o.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	msg := b.newMessage(to, store.TypeRequest, content, o)
	msg.CorrelationID = correlationID

	entry, err := b.registerPending(correlationID, to, o.timeout)
	if err != nil {
		return nil, err
	}

	if _, err := b.send(ctx, msg); err != nil {
		b.releasePending(correlationID)
		return nil, err
	}

	select {
	case res := <-entry.ch:
		return res.content, res.err
	case <-ctx.Done():
		b.releasePending(correlationID)
		return nil, ctx.Err()
	}
}

// Respond answers a received request. The response inherits the original's
// correlation id and goes back to its sender.
func (b *Broker) Respond(ctx context.Context, original *store.Message, content any, opts ...Option) (*store.Message, error) {
	if b.isClosed() {
		return nil, fmt.Errorf("%w: broker not accepting messages", errs.ErrShuttingDown)
	}
	if original == nil || original.CorrelationID == "" {
		return nil, errs.Validationf("cannot respond to a message without a correlation id")
	}

	msg := b.newMessage(original.From, store.TypeResponse, content, b.buildOptions(opts))
	msg.CorrelationID = original.CorrelationID
	return b.send(ctx, msg)
}

// send validates, persists, then delivers. Persistence failure aborts
// before any transport sees the message.
func (b *Broker) send(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := b.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting message %s: %w", msg.ID, err)
	}
	if err := b.deliver(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// deliver walks the transports in registration order and stops at the
// first success. All-fail leaves the message persisted as failed.
func (b *Broker) deliver(ctx context.Context, msg *store.Message) error {
	if b.peers != nil && b.peers.CircuitOpen(msg.To) {
		b.markFailed(ctx, msg)
		recordCounter(ctx, "relay.messages.failed", attribute.String("reason", "circuit_open"))
		return errs.Communication("delivering message", msg.To, errors.New("circuit open"))
	}

	var attempts []error
	for _, nt := range b.transports.InOrder() {
		err := nt.Transport.Send(ctx, msg)
		if err == nil {
			msg.Status = store.StatusDelivered
			if uerr := b.store.UpdateStatus(ctx, msg.ID, store.StatusDelivered); uerr != nil {
				b.logger.Warn("marking message delivered", "id", msg.ID, "error", uerr)
			}
			if b.peers != nil {
				b.peers.MarkSuccess(msg.To)
			}
			recordCounter(ctx, "relay.messages.sent",
				attribute.String("type", string(msg.Type)),
				attribute.String("transport", nt.Name))
			b.logger.Debug("message delivered", "id", msg.ID, "to", msg.To, "transport", nt.Name)
			return nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", nt.Name, err))
	}

	b.markFailed(ctx, msg)
	if b.peers != nil {
		b.peers.MarkFailure(msg.To)
	}
	recordCounter(ctx, "relay.messages.failed", attribute.String("reason", "transport"))

	if len(attempts) == 0 {
		attempts = append(attempts, errors.New("no transports registered"))
	}
	return errs.Communication("delivering message", msg.To, errors.Join(attempts...))
}

func (b *Broker) markFailed(ctx context.Context, msg *store.Message) {
	msg.Status = store.StatusFailed
	if err := b.store.UpdateStatus(ctx, msg.ID, store.StatusFailed); err != nil {
		b.logger.Warn("marking message failed", "id", msg.ID, "error", err)
	}
}

func (b *Broker) isClosed() bool {
	b.pendingMu.RLock()
	defer b.pendingMu.RUnlock()
	return b.closed
}

// recordCounter bumps a counter, creating the instrument lazily. Metrics
// are best-effort; a missing provider degrades to no-ops.
func recordCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if counter, err := meter.Int64Counter(name); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
