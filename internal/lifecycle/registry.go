// ABOUTME: Registry of named cleanup functions owned by long-lived components.
// ABOUTME: Shutdown runs every cleanup exactly once, isolated, with failures aggregated.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks the tickers, background loops, and closables a process
// accumulates, so shutdown can release all of them in one bounded pass.
// Cleanups run in reverse registration order, like defers.
type Registry struct {
	mu       sync.Mutex
	cleanups []cleanup
	done     bool
	logger   *slog.Logger
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "lifecycle"),
	}
}

// Add registers a named cleanup. Registration after Shutdown is rejected;
// the cleanup runs immediately with an expired context instead of leaking.
func (r *Registry) Add(name string, fn func(context.Context) error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		r.logger.Warn("cleanup registered after shutdown, running immediately", "name", name)
		runIsolated(context.Background(), name, fn)
		return
	}
	r.cleanups = append(r.cleanups, cleanup{name: name, fn: fn})
	r.mu.Unlock()
}

// Len returns the number of registered cleanups still awaiting shutdown.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0
	}
	return len(r.cleanups)
}

// Ticker starts a background loop invoking fn every interval, and registers
// a cleanup that stops the ticker and waits for the loop goroutine to exit.
// The context passed to fn is canceled when the loop is stopped.
func (r *Registry) Ticker(name string, interval time.Duration, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(interval)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.Add(name, func(shutdownCtx context.Context) error {
		ticker.Stop()
		cancel()
		select {
		case <-stopped:
			return nil
		case <-shutdownCtx.Done():
			return fmt.Errorf("loop %q did not stop: %w", name, shutdownCtx.Err())
		}
	})
}

// Shutdown runs every registered cleanup in reverse registration order.
// Each cleanup is isolated: a panic or error in one never prevents the
// rest from running. All failures are aggregated into the returned error.
// Shutdown is idempotent; second and later calls return nil immediately.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	cleanups := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()

	r.logger.Info("shutting down", "cleanups", len(cleanups))

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded with %d cleanups remaining: %w", i+1, ctx.Err()))
			break
		}
		if err := runIsolated(ctx, c.name, c.fn); err != nil {
			r.logger.Error("cleanup failed", "name", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	return errors.Join(errs...)
}

// runIsolated invokes fn, converting a panic into an error.
func runIsolated(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup %q panicked: %v", name, rec)
		}
	}()
	return fn(ctx)
}
