// ABOUTME: In-process transport connecting agents that live in the same binary.
// ABOUTME: Peers attach handler functions; delivery is a synchronous function call.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/store"
)

// Inproc is a channel-free in-process transport. Remote "agents" are
// functions attached under their agent id; Send invokes the destination's
// handler directly, and peers push messages back through Deliver.
type Inproc struct {
	mu        sync.RWMutex
	peers     map[string]func(*store.Message)
	inbound   []func(*store.Message)
	connected bool
	logger    *slog.Logger
}

var _ Transport = (*Inproc)(nil)

// NewInproc creates a disconnected in-process transport.
func NewInproc(logger *slog.Logger) *Inproc {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inproc{
		peers:  make(map[string]func(*store.Message)),
		logger: logger.With("component", "transport", "transport", "inproc"),
	}
}

// Connect marks the transport ready.
func (t *Inproc) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Disconnect stops delivery. Attached peers stay attached.
func (t *Inproc) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

// Send invokes the destination peer's handler with a copy of the message.
func (t *Inproc) Send(ctx context.Context, msg *store.Message) error {
	t.mu.RLock()
	connected := t.connected
	peer, ok := t.peers[msg.To]
	t.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("no in-process peer %q", msg.To)
	}

	cp := *msg
	peer(&cp)
	return nil
}

// Subscribe registers a callback for messages pushed in by peers.
func (t *Inproc) Subscribe(fn func(*store.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = append(t.inbound, fn)
}

// Healthy reports whether the transport is connected.
func (t *Inproc) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Info describes the transport.
func (t *Inproc) Info() ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ConnectionInfo{
		Transport: "inproc",
		Address:   "local",
		Connected: t.connected,
	}
}

// AttachPeer registers a handler to receive messages addressed to id.
// Re-attaching an id replaces the previous handler.
func (t *Inproc) AttachPeer(id string, fn func(*store.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = fn
	t.logger.Debug("peer attached", "id", id)
}

// DetachPeer removes a peer's handler.
func (t *Inproc) DetachPeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Deliver pushes a message from a peer into the relay's subscribers.
func (t *Inproc) Deliver(msg *store.Message) {
	t.mu.RLock()
	subs := make([]func(*store.Message), len(t.inbound))
	copy(subs, t.inbound)
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}
