// ABOUTME: Broker background work: transport subscription, retention, replay.
// ABOUTME: Start wires everything into the lifecycle registry for clean shutdown.

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/lifecycle"
	"github.com/2389/coven-relay/internal/store"
)

const replayBatch = 500

// Start subscribes the broker to every registered transport and launches
// the retention loop. Shutdown order matters: the retention ticker is
// registered after the pending-rejection cleanup so it stops first.
func (b *Broker) Start(reg *lifecycle.Registry) {
	for _, nt := range b.transports.InOrder() {
		nt.Transport.Subscribe(b.handleIncoming)
	}

	reg.Add("broker.pending", func(ctx context.Context) error {
		b.rejectAllPending()
		return nil
	})
	reg.Ticker("broker.retention", b.cfg.CleanupInterval, b.runRetention)

	b.logger.Info("broker started",
		"agentId", b.cfg.AgentID,
		"transports", len(b.transports.InOrder()),
		"retention", b.cfg.MessageRetention)
}

// runRetention purges delivered and expired messages past their retention.
func (b *Broker) runRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.cfg.MessageRetention)
	purged, err := b.store.PurgeBefore(ctx, cutoff, []store.Status{store.StatusDelivered, store.StatusExpired})
	if err != nil {
		b.logger.Warn("retention purge failed", "error", err)
		return
	}
	if purged > 0 {
		b.logger.Info("purged old messages", "count", purged, "cutoff", cutoff)
	}
}

// Replay re-delivers messages that never made it out: rows still pending
// or failed with retry budget left, oldest first. Each attempt consumes
// one retry; a message that exhausts its budget is marked expired and
// never retried again. Run once after transports connect.
func (b *Broker) Replay(ctx context.Context) (int, error) {
	msgs, err := b.store.ListReplayable(ctx, replayBatch)
	if err != nil {
		return 0, fmt.Errorf("listing replayable messages: %w", err)
	}

	delivered := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		// Inbound rows share the table; only our own messages get resent.
		if msg.From != b.cfg.AgentID {
			continue
		}

		if err := b.store.IncrementRetry(ctx, msg.ID); err != nil {
			b.logger.Warn("incrementing retry count", "id", msg.ID, "error", err)
			continue
		}
		msg.RetryCount++

		if err := b.deliver(ctx, msg); err != nil {
			b.logger.Debug("replay attempt failed",
				"id", msg.ID, "to", msg.To, "retryCount", msg.RetryCount, "error", err)
			if msg.RetryCount >= msg.MaxRetries {
				b.updateStatus(ctx, msg.ID, store.StatusExpired)
				b.logger.Warn("message retries exhausted", "id", msg.ID, "to", msg.To)
			}
			continue
		}
		delivered++
	}

	if len(msgs) > 0 {
		b.logger.Info("replay finished", "candidates", len(msgs), "delivered", delivered)
	}
	return delivered, nil
}
