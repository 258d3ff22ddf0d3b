// ABOUTME: Entry point for the coven-relay message fabric node
// ABOUTME: Persists, routes, and delivers messages between coven agents

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay node")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check a running relay")
		fmt.Println("  version  Print the build version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Printf("coven-relay %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Load .env file if present (non-fatal; production won't have one).
	// Runs before config parsing so ${VAR} expansion can see its values.
	_ = godotenv.Load()

	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration; a missing file means built-in defaults
	var cfg *config.Config
	configLabel := configPath
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		cfg = config.Default()
		configLabel = "(built-in defaults)"
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Broker.AgentID)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configLabel)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Transport.HTTP.Bind)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s\n", storageLabel(cfg.Storage))

	if n := len(cfg.Discovery.Static.Seeds); n > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Seeds:     %d static peer(s)\n", n)
	}

	// Redis discovery status
	if cfg.Discovery.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     ")
		cyan.Print(cfg.Discovery.Redis.Namespace)
		gray.Printf(" (ttl %s)", cfg.Discovery.Redis.TTL)
		fmt.Println()
	}

	if cfg.Telemetry.Endpoint != "" {
		green.Print("    ▶ ")
		fmt.Printf("OTLP:      %s\n", cfg.Telemetry.Endpoint)
	}

	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configLabel,
		"agent_id", cfg.Broker.AgentID,
		"bind", cfg.Transport.HTTP.Bind,
		"storage", cfg.Storage.Driver,
	)

	// Create and run relay
	rly, err := relay.New(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return rly.Run(ctx)
}

// storageLabel describes the store backend without leaking credentials.
// Postgres URLs carry passwords, so only the driver name is printed.
func storageLabel(cfg config.StorageConfig) string {
	switch cfg.Driver {
	case "", "sqlite":
		return fmt.Sprintf("sqlite %s", cfg.Path)
	default:
		return cfg.Driver
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg := config.Default()
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	// The relay serves its identity descriptor; reaching it proves liveness
	url := fmt.Sprintf("http://%s/identity", dialAddr(cfg.Transport.HTTP))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var identity struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return fmt.Errorf("decoding identity: %w", err)
	}

	fmt.Printf("healthy: %s (%s)\n", identity.ID, identity.Role)
	return nil
}

// dialAddr returns an address suitable for a local client connection.
// A wildcard bind is reachable through loopback.
func dialAddr(cfg config.HTTPTransportConfig) string {
	if cfg.AdvertiseAddress != "" && cfg.Port > 0 {
		return fmt.Sprintf("%s:%d", cfg.AdvertiseAddress, cfg.Port)
	}

	host, port, err := net.SplitHostPort(cfg.Bind)
	if err != nil {
		return cfg.Bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Output filename
	outputFile := prompt(reader, "Config file path", getConfigPath())

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the annotated starter config
	if err := os.WriteFile(outputFile, []byte(config.Example), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nEdit it, then start the relay:")
	fmt.Printf("  coven-relay serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
