// ABOUTME: In-memory registry of requests awaiting a correlated response.
// ABOUTME: Entries die by response, timeout, delivery failure, or shutdown.

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/errs"
)

type response struct {
	content any
	err     error
}

// pendingRequest is one in-flight request. The channel is buffered so the
// resolver never blocks; map removal under the lock guarantees exactly one
// writer.
type pendingRequest struct {
	correlationID string
	to            string
	createdAt     time.Time
	ch            chan response
	timer         *time.Timer
}

// registerPending creates the waiter for a correlation id. The deadline
// timer starts here, before delivery, so the timeout covers the full round
// trip.
func (b *Broker) registerPending(correlationID, to string, timeout time.Duration) (*pendingRequest, error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: broker not accepting requests", errs.ErrShuttingDown)
	}
	if _, exists := b.pending[correlationID]; exists {
		return nil, errs.Validationf("correlation id %q already has a pending request", correlationID)
	}

	p := &pendingRequest{
		correlationID: correlationID,
		to:            to,
		createdAt:     time.Now().UTC(),
		ch:            make(chan response, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if b.failPending(correlationID, fmt.Errorf("%w waiting for response from %s (correlation %s) after %s",
			errs.ErrTimeout, to, correlationID, timeout)) {
			b.logger.Warn("request timed out", "to", to, "correlationId", correlationID, "timeout", timeout)
			recordCounter(context.Background(), "relay.requests.timeout")
		}
	})
	b.pending[correlationID] = p
	return p, nil
}

// takePending removes and returns the entry for a correlation id.
func (b *Broker) takePending(correlationID string) (*pendingRequest, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	p, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	return p, ok
}

// resolvePending hands a response to the waiter. Returns false when no
// entry matches, which callers treat as an expired or unknown correlation.
func (b *Broker) resolvePending(correlationID string, content any) bool {
	p, ok := b.takePending(correlationID)
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- response{content: content}
	return true
}

// failPending rejects the waiter with an error.
func (b *Broker) failPending(correlationID string, err error) bool {
	p, ok := b.takePending(correlationID)
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- response{err: err}
	return true
}

// releasePending discards an entry without signaling the waiter. Used when
// the caller is already returning its own error.
func (b *Broker) releasePending(correlationID string) {
	if p, ok := b.takePending(correlationID); ok {
		p.timer.Stop()
	}
}

// rejectAllPending fails every waiter with a shutdown error and flips the
// broker closed. New Send/Request calls fail fast afterwards.
func (b *Broker) rejectAllPending() {
	b.pendingMu.Lock()
	b.closed = true
	entries := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pendingMu.Unlock()

	for _, p := range entries {
		p.timer.Stop()
		p.ch <- response{err: fmt.Errorf("%w: request to %s abandoned", errs.ErrShuttingDown, p.to)}
	}
	if len(entries) > 0 {
		b.logger.Info("rejected pending requests on shutdown", "count", len(entries))
	}
}

// PendingCount returns the number of requests awaiting a response.
func (b *Broker) PendingCount() int {
	b.pendingMu.RLock()
	defer b.pendingMu.RUnlock()
	return len(b.pending)
}
