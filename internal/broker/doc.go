// Package broker routes messages between agents with at-least-once
// delivery.
//
// # Persist before delivery
//
// Every outbound message is written to the store before any transport is
// tried. Delivery success marks it delivered; total failure leaves it
// persisted as failed with its retry budget intact. Startup replay walks
// those rows oldest-first and finishes the job, so a crash between accept
// and delivery never loses a message. The cost is possible duplication,
// which receivers must tolerate.
//
// # Request and response
//
// Request stamps a fresh correlation id and registers an in-memory waiter
// before sending, closing the race where a fast peer answers before the
// sender is ready to listen. The waiter dies exactly once: by matching
// response, timeout, delivery failure, or shutdown. Responses arriving
// after their waiter is gone are dropped silently; the requester has
// already moved on.
//
// # Handlers
//
// Inbound messages that are not correlated responses fan out to every
// handler whose pattern matches. Handlers are isolated: a panic or error
// in one is logged and never reaches its siblings.
//
// # Retention
//
// Delivered and expired messages are history, not state. A background
// loop purges them once they outlive the configured retention window.
package broker
