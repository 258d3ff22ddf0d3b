// ABOUTME: Handler registration, pattern matching, and the inbound dispatch path.
// ABOUTME: Responses resolve pending requests; everything else fans out to handlers.

package broker

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/coven-relay/internal/store"
)

// Handler processes one inbound message. Errors are logged, never
// propagated; one handler's failure does not affect its siblings.
type Handler func(ctx context.Context, msg *store.Message) error

type registeredHandler struct {
	pattern string
	fn      Handler
}

// RegisterHandler subscribes a handler to inbound messages. Patterns:
//
//	"worker-1"          messages addressed to worker-1
//	"planner->worker-1" messages from planner addressed to worker-1
//	"*"                 every message
//
// Multiple handlers may share a pattern; all matching handlers run, in
// registration order.
func (b *Broker) RegisterHandler(pattern string, fn Handler) {
	b.handlerMu.Lock()
	b.handlers = append(b.handlers, registeredHandler{pattern: pattern, fn: fn})
	total := len(b.handlers)
	b.handlerMu.Unlock()

	b.logger.Debug("handler registered", "pattern", pattern, "total", total)
}

func matchPattern(pattern string, msg *store.Message) bool {
	if pattern == "*" {
		return true
	}
	if from, to, directed := strings.Cut(pattern, "->"); directed {
		return msg.From == from && msg.To == to
	}
	return msg.To == pattern
}

// handleIncoming is the subscriber callback wired into every transport.
// Persist first: a crash after this line can re-dispatch but never lose.
func (b *Broker) handleIncoming(msg *store.Message) {
	ctx := context.Background()

	b.logger.Debug("message received", "id", msg.ID, "from", msg.From, "type", string(msg.Type))
	recordCounter(ctx, "relay.messages.received", attribute.String("type", string(msg.Type)))

	if err := b.store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			b.logger.Debug("message redelivered", "id", msg.ID)
		} else {
			b.logger.Error("persisting inbound message", "id", msg.ID, "error", err)
		}
	}

	if msg.Type == store.TypeResponse {
		if b.resolvePending(msg.CorrelationID, msg.Content) {
			b.updateStatus(ctx, msg.ID, store.StatusDelivered)
			return
		}
		// Late or unsolicited responses are dropped without error; the
		// requester already gave up or never existed here.
		b.logger.Debug("dropping response with no pending request",
			"id", msg.ID, "correlationId", msg.CorrelationID)
		b.updateStatus(ctx, msg.ID, store.StatusExpired)
		return
	}

	b.dispatch(ctx, msg)
	b.updateStatus(ctx, msg.ID, store.StatusDelivered)
}

// dispatch runs every matching handler, isolating panics and errors.
func (b *Broker) dispatch(ctx context.Context, msg *store.Message) {
	b.handlerMu.RLock()
	matched := make([]registeredHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		if matchPattern(h.pattern, msg) {
			matched = append(matched, h)
		}
	}
	b.handlerMu.RUnlock()

	if len(matched) == 0 {
		b.logger.Debug("no handlers for message", "id", msg.ID, "to", msg.To)
		return
	}
	for _, h := range matched {
		b.runHandler(ctx, h, msg)
	}
}

func (b *Broker) runHandler(ctx context.Context, h registeredHandler, msg *store.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "pattern", h.pattern, "id", msg.ID, "panic", r)
		}
	}()

	if err := h.fn(ctx, msg); err != nil {
		b.logger.Error("handler failed", "pattern", h.pattern, "id", msg.ID, "error", err)
	}
}

func (b *Broker) updateStatus(ctx context.Context, id string, status store.Status) {
	if err := b.store.UpdateStatus(ctx, id, status); err != nil {
		b.logger.Warn("updating message status", "id", id, "status", string(status), "error", err)
	}
}
