// Package transport moves messages between agent processes.
//
// A Transport owns one delivery path (in-process function calls, JSON over
// HTTP). The broker holds transports in a Registry and walks them in
// registration order on every send, stopping at the first success. Order
// therefore expresses preference: register the cheap local transport before
// the networked one.
//
// # Wire format
//
// Networked transports exchange a flat JSON envelope with camelCase keys.
// Delivery status is deliberately not part of the envelope; each side tracks
// status in its own store. Inbound messages always enter as pending.
//
// # Ingress
//
// Transports push inbound messages to subscribers synchronously. The broker
// subscribes once at startup and fans out to its own handlers; transports
// never interpret message content.
package transport
