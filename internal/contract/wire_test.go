// ABOUTME: Contract tests for the JSON wire surface to detect breaking changes.
// ABOUTME: Pins the message envelope and identity key sets peers depend on.

package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// expectedEnvelopeKeys defines the contract for the message envelope agents
// exchange over HTTP. If a key is removed or renamed, these tests will fail,
// catching breaking changes before they reach deployed peers.
var expectedEnvelopeKeys = []string{
	"id", "from", "to", "type",
	"content", "timestamp", "correlationId",
	"priority", "retryCount", "maxRetries",
	"metadata",
}

// expectedIdentityKeys defines the contract for the GET /identity response
// discovery probes decode.
var expectedIdentityKeys = []string{
	"id", "role", "address", "port", "transport", "metadata",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTransport binds an HTTP transport on a loopback port and tears it
// down with the test.
func startTransport(t *testing.T, resolver transport.Resolver) *transport.HTTP {
	t.Helper()
	tr := transport.NewHTTP(transport.HTTPConfig{Bind: "127.0.0.1:0"}, resolver, quietLogger())
	require.NoError(t, tr.Connect(context.Background()), "failed to start transport")
	t.Cleanup(func() {
		tr.Disconnect(context.Background())
	})
	return tr
}

// TestMessageEnvelopeSurface sends a fully populated message through the
// HTTP transport and verifies the raw JSON keys on the wire. Every field is
// set so omitempty cannot hide a rename.
func TestMessageEnvelopeSurface(t *testing.T) {
	captured := make(chan []byte, 1)
	sink := newCapturingListener(t, captured)

	sender := startTransport(t, transport.ResolverFunc(func(id string) (string, bool) {
		return sink, true
	}))

	msg := &store.Message{
		ID:            "msg-contract-1",
		From:          "relay-1",
		To:            "scout",
		Type:          store.TypeRequest,
		Content:       map[string]any{"text": "status report"},
		Timestamp:     time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		CorrelationID: "corr-77",
		Priority:      store.PriorityHigh,
		RetryCount:    1,
		MaxRetries:    5,
		Metadata:      map[string]string{"trace": "abc123"},
	}
	require.NoError(t, sender.Send(context.Background(), msg), "send failed")

	var body []byte
	select {
	case body = <-captured:
	case <-time.After(2 * time.Second):
		t.Fatal("no message captured on the wire")
	}

	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &keys), "wire body should be a JSON object")

	for _, key := range expectedEnvelopeKeys {
		_, ok := keys[key]
		assert.True(t, ok, "envelope key %q should be on the wire", key)
	}

	// Report any extra keys not in contract (informational, not failure)
	for key := range keys {
		if !slices.Contains(expectedEnvelopeKeys, key) {
			t.Logf("INFO: extra envelope key %q not in contract (consider adding)", key)
		}
	}
}

// newCapturingListener serves POST /messages on a loopback port and pushes
// each raw body into the channel before any decoding happens.
func newCapturingListener(t *testing.T, captured chan []byte) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		captured <- body
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to bind capture listener")
	go server.Serve(ln)
	t.Cleanup(func() {
		server.Shutdown(context.Background())
	})
	return ln.Addr().String()
}

// TestIdentitySurface verifies the key set of the GET /identity response.
// Metadata is populated so omitempty cannot hide it.
func TestIdentitySurface(t *testing.T) {
	tr := startTransport(t, nil)
	tr.SetIdentity(transport.Identity{
		ID:        "relay-1",
		Role:      "relay",
		Address:   "127.0.0.1",
		Port:      7420,
		Transport: "http",
		Metadata:  map[string]string{"version": "1.0.0"},
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/identity", tr.Addr()))
	require.NoError(t, err, "identity request failed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var keys map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys), "identity body should be a JSON object")

	for _, key := range expectedIdentityKeys {
		_, ok := keys[key]
		assert.True(t, ok, "identity key %q should be present", key)
	}

	for key := range keys {
		if !slices.Contains(expectedIdentityKeys, key) {
			t.Logf("INFO: extra identity key %q not in contract (consider adding)", key)
		}
	}
}

// TestInboundAcceptsContractPayload posts a hand-written contract document
// to the ingress endpoint and verifies it decodes into the message the
// sender intended. The literal pins the key names independently of our own
// marshaling code.
func TestInboundAcceptsContractPayload(t *testing.T) {
	const payload = `{
		"id": "msg-contract-2",
		"from": "scout",
		"to": "relay-1",
		"type": "request",
		"content": {"text": "status report"},
		"timestamp": "2026-01-15T10:30:00Z",
		"correlationId": "corr-77",
		"priority": "high",
		"retryCount": 1,
		"maxRetries": 5,
		"metadata": {"trace": "abc123"}
	}`

	received := make(chan *store.Message, 1)
	tr := startTransport(t, nil)
	tr.Subscribe(func(msg *store.Message) {
		received <- msg
	})

	resp, err := http.Post(
		fmt.Sprintf("http://%s/messages", tr.Addr()),
		"application/json",
		strings.NewReader(payload),
	)
	require.NoError(t, err, "ingress request failed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg *store.Message
	select {
	case msg = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the message")
	}

	assert.Equal(t, "msg-contract-2", msg.ID)
	assert.Equal(t, "scout", msg.From)
	assert.Equal(t, "relay-1", msg.To)
	assert.Equal(t, store.TypeRequest, msg.Type)
	assert.Equal(t, "corr-77", msg.CorrelationID)
	assert.Equal(t, store.PriorityHigh, msg.Priority)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, 5, msg.MaxRetries)
	assert.Equal(t, map[string]string{"trace": "abc123"}, msg.Metadata)
	assert.Equal(t, store.StatusPending, msg.Status)
	assert.True(t, msg.Timestamp.Equal(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)),
		"timestamp should round-trip, got %v", msg.Timestamp)

	content, ok := msg.Content.(map[string]any)
	require.True(t, ok, "content should decode as an object, got %T", msg.Content)
	assert.Equal(t, "status report", content["text"])
}
