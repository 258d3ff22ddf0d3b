// ABOUTME: Minimal fake agent for E2E testing: serves the HTTP transport, echoes requests with markdown.
// ABOUTME: Usage: fake-agent [-config agent.toml] [-bind 127.0.0.1:7421] [-id echo-agent] [-relay 127.0.0.1:7420]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "TOML config path; when set, file values replace the other flags")
	bind := flag.String("bind", "127.0.0.1:7421", "HTTP listen address")
	agentID := flag.String("id", "echo-agent", "Agent ID")
	role := flag.String("role", "worker", "Advertised role")
	relayAddr := flag.String("relay", "127.0.0.1:7420", "Relay host:port responses are sent to")
	flag.Parse()

	cfg := &Config{
		Agent: AgentConfig{ID: *agentID, Role: *role, Bind: *bind},
		Relay: RelayConfig{Address: *relayAddr},
	}
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Every destination routes back through the relay.
	resolver := transport.ResolverFunc(func(string) (string, bool) {
		return cfg.Relay.Address, true
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tr := transport.NewHTTP(transport.HTTPConfig{Bind: cfg.Agent.Bind}, resolver, logger)

	tr.Subscribe(func(msg *store.Message) {
		if msg.Type != store.TypeRequest {
			log.Printf("ignoring %s message %s from %s", msg.Type, msg.ID, msg.From)
			return
		}

		log.Printf("received request [%s]: %v", msg.CorrelationID, msg.Content)

		reply := echoReply(contentText(msg.Content))

		// Small delay to simulate real work
		time.Sleep(50 * time.Millisecond)

		resp := &store.Message{
			ID:            uuid.New().String(),
			From:          cfg.Agent.ID,
			To:            msg.From,
			Type:          store.TypeResponse,
			Content:       map[string]any{"text": reply},
			Timestamp:     time.Now().UTC(),
			CorrelationID: msg.CorrelationID,
			Priority:      store.PriorityNormal,
			MaxRetries:    3,
		}

		sendCtx, cancelSend := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSend()
		if err := tr.Send(sendCtx, resp); err != nil {
			log.Printf("send response error: %v", err)
		}
	})

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	host, port := splitAddr(tr.Addr())
	tr.SetIdentity(transport.Identity{
		ID:        cfg.Agent.ID,
		Role:      cfg.Agent.Role,
		Address:   host,
		Port:      port,
		Transport: "http",
		Metadata:  map[string]string{"kind": "echo"},
	})

	fmt.Fprintf(os.Stderr, "listening as %s on %s\n", cfg.Agent.ID, tr.Addr())

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return tr.Disconnect(shutdownCtx)
}

// contentText pulls a printable string out of a decoded JSON payload.
func contentText(content any) string {
	if m, ok := content.(map[string]any); ok {
		if s, ok := m["text"].(string); ok {
			return s
		}
	}
	if s, ok := content.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", content)
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
