// Package relay orchestrates the coven-relay daemon components.
//
// # Overview
//
// The relay package is the central coordinator. It owns the message
// store, the transport registry (inproc and HTTP), the agent directory
// with its discovery sources, the broker, and the lifecycle registry
// that ties their teardown together.
//
// # Startup Order
//
// New opens the store and constructs every component; Start then:
//
//  1. connects all transports (HTTP starts listening here)
//  2. resolves and publishes this relay's own identity
//  3. registers the relay in its own directory
//  4. starts the broker (inbound subscription, retention loop)
//  5. starts directory discovery (one eager round, then the ticker)
//  6. starts health checking
//  7. starts Redis self-announcement when configured
//
// Startup replay of undelivered messages runs in the background after
// Start, from Run.
//
// # Shutdown Order
//
// Shutdown walks the lifecycle registry in reverse registration order:
// loops and tickers stop first, pending requests are rejected, the
// Redis announcement is withdrawn, transports disconnect, and the store
// closes last. The whole pass is bounded by one timeout, and a second
// Shutdown is a no-op.
//
// # Lifecycle
//
// Run blocks until its context is canceled:
//
//	rly, err := relay.New(ctx, cfg, version, logger)
//	if err != nil { ... }
//	err = rly.Run(ctx)
package relay
