// ABOUTME: JSON-over-HTTP transport: POST /messages ingress, GET /identity for discovery.
// ABOUTME: Outbound sends resolve the destination's address through an injected Resolver.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Resolver maps a destination agent id to a dialable host:port. The relay
// backs this with its agent directory; standalone agents use a static map.
type Resolver interface {
	Resolve(id string) (string, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(id string) (string, bool)

func (f ResolverFunc) Resolve(id string) (string, bool) {
	return f(id)
}

// Identity is the endpoint descriptor served at GET /identity. Discovery
// probes decode this shape; field names are part of the wire contract.
type Identity struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Transport string            `json:"transport"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Bind is the listen address, e.g. "127.0.0.1:7421". Port 0 picks a
	// free port; Addr() reports the effective address after Connect.
	Bind string

	// Advertise overrides the address reported in Info and /identity.
	// Empty means use the effective listen address.
	Advertise string

	// RequestTimeout bounds each outbound delivery.
	RequestTimeout time.Duration
}

// HTTP carries messages as JSON over plain HTTP. Both the relay and the
// agents it talks to run the same transport: each side listens for
// POST /messages and sends to the other's listener.
type HTTP struct {
	cfg      HTTPConfig
	resolver Resolver
	client   *http.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	server    *http.Server
	addr      string
	identity  Identity
	inbound   []func(*store.Message)
	connected bool
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates an HTTP transport. The resolver is consulted on every
// Send; it may be backed by mutable state such as the agent directory.
func NewHTTP(cfg HTTPConfig, resolver Resolver, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &HTTP{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger.With("component", "transport", "transport", "http"),
	}
}

// SetIdentity sets the descriptor served at GET /identity.
func (t *HTTP) SetIdentity(id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity = id
}

// Addr returns the effective listen address after Connect.
func (t *HTTP) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Connect binds the listener and starts serving ingress.
func (t *HTTP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.Bind)
	if err != nil {
		return fmt.Errorf("binding %s: %w", t.cfg.Bind, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", t.handleMessages)
	mux.HandleFunc("/identity", t.handleIdentity)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.server = server
	t.addr = ln.Addr().String()
	t.connected = true

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("http transport serve failed", "error", err)
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
		}
	}()

	t.logger.Info("http transport listening", "address", t.addr)
	return nil
}

// Disconnect stops the listener, waiting for in-flight handlers up to the
// context deadline.
func (t *HTTP) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	t.connected = false
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping http transport: %w", err)
	}
	return nil
}

// Send POSTs the message to the destination's /messages endpoint.
func (t *HTTP) Send(ctx context.Context, msg *store.Message) error {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	hostport, ok := t.resolver.Resolve(msg.To)
	if !ok {
		return fmt.Errorf("no address known for agent %q", msg.To)
	}

	body, err := json.Marshal(toWire(msg))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("http://%s/messages", hostport)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", hostport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("peer %s returned status %d", hostport, resp.StatusCode)
	}
	return nil
}

// Subscribe registers a callback invoked for every inbound message.
func (t *HTTP) Subscribe(fn func(*store.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = append(t.inbound, fn)
}

// Healthy reports whether the listener is up.
func (t *HTTP) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Info describes the transport's connection state.
func (t *HTTP) Info() ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addr := t.cfg.Advertise
	if addr == "" {
		addr = t.addr
	}
	return ConnectionInfo{
		Transport: "http",
		Address:   addr,
		Connected: t.connected,
	}
}

// handleMessages accepts inbound wire messages and hands them to subscribers.
func (t *HTTP) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wire wireMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&wire); err != nil {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}
	if wire.ID == "" || wire.To == "" {
		http.Error(w, "message missing id or destination", http.StatusBadRequest)
		return
	}

	msg := fromWire(&wire)

	t.mu.RLock()
	subs := make([]func(*store.Message), len(t.inbound))
	copy(subs, t.inbound)
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleIdentity serves this node's endpoint descriptor for discovery probes.
func (t *HTTP) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t.mu.RLock()
	identity := t.identity
	t.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(identity); err != nil {
		t.logger.Warn("encoding identity response", "error", err)
	}
}
