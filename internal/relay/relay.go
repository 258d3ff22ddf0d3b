// ABOUTME: Relay orchestrator wiring store, transports, directory, discovery, and broker.
// ABOUTME: Owns startup order, self-announcement, and bounded graceful shutdown.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/lifecycle"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/telemetry"
	"github.com/2389/coven-relay/internal/transport"
)

// shutdownTimeout bounds the whole graceful shutdown pass, slow store
// close included.
const shutdownTimeout = 10 * time.Second

// Relay wires the fabric together: the persistent message store, the
// transport set, the agent directory with its discovery sources, and the
// broker on top.
type Relay struct {
	config        *config.Config
	logger        *slog.Logger
	registry      *lifecycle.Registry
	store         store.Store
	transports    *transport.Registry
	httpTransport *transport.HTTP
	inproc        *transport.Inproc
	directory     *directory.Directory
	broker        *broker.Broker

	// sources feed the directory's discovery loop; redis is also used
	// to announce this relay so peers can find it.
	sources []discovery.Source
	redis   *discovery.Redis

	stopTelemetry telemetry.Shutdown
	telemetryOnce sync.Once
}

// New creates a Relay from configuration. The store is opened (and its
// schema created) here; storage being unavailable fails construction.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "coven-relay"
	}
	stopTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, serviceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		_ = stopTelemetry(ctx)
		return nil, err
	}

	registry := lifecycle.NewRegistry(logger)
	// First registration runs last: everything else flushes into the
	// store before it closes.
	registry.Add("store.close", func(context.Context) error { return st.Close() })

	dir := directory.New(directory.Config{
		DiscoveryInterval:   cfg.Directory.DiscoveryInterval,
		HealthCheckInterval: cfg.Directory.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Directory.HealthCheckTimeout,
		WaitPollInterval:    cfg.Directory.WaitPollInterval,
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout,
		MonitoringPeriod:    cfg.Breaker.MonitoringPeriod,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
	}, logger)

	// Outbound deliveries dial whatever address the directory currently
	// holds for the destination.
	resolver := transport.ResolverFunc(func(id string) (string, bool) {
		ep, err := dir.Get(id)
		if err != nil || ep.Address == "" || ep.Port == 0 {
			return "", false
		}
		return ep.HostPort(), true
	})

	transports := transport.NewRegistry(logger)
	inproc := transport.NewInproc(logger)
	httpTransport := transport.NewHTTP(transport.HTTPConfig{
		Bind:           cfg.Transport.HTTP.Bind,
		RequestTimeout: cfg.Transport.HTTP.RequestTimeout,
	}, resolver, logger)
	if err := transports.Register("inproc", inproc); err != nil {
		_ = st.Close()
		_ = stopTelemetry(ctx)
		return nil, fmt.Errorf("registering inproc transport: %w", err)
	}
	if err := transports.Register("http", httpTransport); err != nil {
		_ = st.Close()
		_ = stopTelemetry(ctx)
		return nil, fmt.Errorf("registering http transport: %w", err)
	}

	bro := broker.New(broker.Config{
		AgentID:          cfg.Broker.AgentID,
		DefaultTimeout:   cfg.Broker.DefaultTimeout,
		DefaultRetries:   cfg.Broker.DefaultRetries,
		CleanupInterval:  cfg.Broker.CleanupInterval,
		MessageRetention: cfg.Broker.MessageRetention,
	}, st, transports, dir, logger)

	r := &Relay{
		config:        cfg,
		logger:        logger.With("component", "relay"),
		registry:      registry,
		store:         st,
		transports:    transports,
		httpTransport: httpTransport,
		inproc:        inproc,
		directory:     dir,
		broker:        bro,
		stopTelemetry: stopTelemetry,
	}

	if len(cfg.Discovery.Static.Seeds) > 0 {
		seeds := make([]discovery.Seed, 0, len(cfg.Discovery.Static.Seeds))
		for _, s := range cfg.Discovery.Static.Seeds {
			seeds = append(seeds, discovery.Seed{Role: s.Role, Address: s.Address, Port: s.Port})
		}
		r.sources = append(r.sources, discovery.NewStaticSource(discovery.StaticConfig{
			Seeds:        seeds,
			ProbeTimeout: cfg.Directory.HealthCheckTimeout,
			MaxRetries:   cfg.Directory.MaxRetries,
			RetryBackoff: cfg.Directory.RetryBackoff,
		}, logger))
	}

	if cfg.Discovery.Redis.Enabled {
		rd, err := discovery.NewRedis(discovery.RedisConfig{
			URL:       cfg.Discovery.Redis.URL,
			Namespace: cfg.Discovery.Redis.Namespace,
			TTL:       cfg.Discovery.Redis.TTL,
		}, logger)
		if err != nil {
			_ = st.Close()
			_ = stopTelemetry(ctx)
			return nil, fmt.Errorf("connecting redis discovery: %w", err)
		}
		r.redis = rd
		r.sources = append(r.sources, rd)
		registry.Add("discovery.redis.close", func(context.Context) error { return rd.Close() })
	}

	return r, nil
}

// openStore creates the configured message store.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Start connects transports, registers this relay's own identity, and
// brings up the broker and directory loops. It does not block.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.transports.ConnectAll(ctx); err != nil {
		return fmt.Errorf("connecting transports: %w", err)
	}
	r.registry.Add("transports.disconnect", r.transports.DisconnectAll)

	address, port := r.selfEndpoint()
	identity := transport.Identity{
		ID:        r.broker.AgentID(),
		Role:      "relay",
		Address:   address,
		Port:      port,
		Transport: "http",
	}
	r.httpTransport.SetIdentity(identity)

	if err := r.directory.Register(directory.AgentEndpoint{
		ID:        identity.ID,
		Role:      identity.Role,
		Address:   identity.Address,
		Port:      identity.Port,
		Transport: identity.Transport,
	}); err != nil {
		return fmt.Errorf("registering self: %w", err)
	}

	r.broker.Start(r.registry)
	r.directory.StartDiscovery(r.registry, r.sources...)
	r.directory.StartHealthChecks(r.registry, directory.HTTPHealthChecker(&http.Client{}))
	r.startAnnouncing(identity)

	r.logger.Info("relay started",
		"agent_id", identity.ID,
		"addr", r.httpTransport.Addr(),
		"storage", storageLabel(r.config.Storage),
	)
	return nil
}

// startAnnouncing keeps this relay's Redis announcement alive so peers
// discover it. No-op without Redis discovery.
func (r *Relay) startAnnouncing(identity transport.Identity) {
	if r.redis == nil {
		return
	}

	ann := discovery.Announcement{
		ID:        identity.ID,
		Role:      identity.Role,
		Address:   identity.Address,
		Port:      identity.Port,
		Transport: identity.Transport,
	}
	announce := func(ctx context.Context) {
		if err := r.redis.Announce(ctx, ann); err != nil {
			r.logger.Warn("announcing to redis failed", "error", err)
		}
	}

	announceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	announce(announceCtx)
	cancel()

	// Withdraw registers before the ticker so shutdown stops renewals
	// first, then removes the announcement.
	r.registry.Add("discovery.withdraw", func(ctx context.Context) error {
		return r.redis.Withdraw(ctx, ann.ID)
	})

	interval := r.config.Directory.DiscoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.registry.Ticker("discovery.announce", interval, announce)
}

// selfEndpoint resolves the address peers should dial for this relay.
// Configured advertise values win; the effective listener fills blanks,
// which makes ":0" binds work in tests.
func (r *Relay) selfEndpoint() (string, int) {
	address := r.config.Transport.HTTP.AdvertiseAddress
	port := r.config.Transport.HTTP.Port

	if host, portStr, err := net.SplitHostPort(r.httpTransport.Addr()); err == nil {
		if address == "" {
			address = host
		}
		if port == 0 {
			if p, err := strconv.Atoi(portStr); err == nil {
				port = p
			}
		}
	}
	return address, port
}

func storageLabel(cfg config.StorageConfig) string {
	if cfg.Driver == "postgres" {
		return "postgres"
	}
	return "sqlite:" + cfg.Path
}

// Run starts the relay and blocks until the context is canceled, then
// performs a bounded graceful shutdown. Returns nil on clean shutdown.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		_ = r.gracefulShutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.replayStranded(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	_ = g.Wait()

	r.logger.Info("context canceled, initiating shutdown")
	return r.gracefulShutdown()
}

// replayStranded re-delivers messages a previous run persisted but never
// delivered. Failures here are not fatal; undelivered rows stay queued
// for the next start.
func (r *Relay) replayStranded(ctx context.Context) {
	if _, err := r.broker.Replay(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("startup replay failed", "error", err)
	}
}

// gracefulShutdown shuts down with a fresh context: the run context is
// already canceled by the time shutdown starts.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown releases everything the relay owns: loops stop first, pending
// requests are rejected, transports disconnect, and the store closes
// last. Safe to call more than once.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	err := r.registry.Shutdown(ctx)

	// The exporters reject a second shutdown, so flush exactly once.
	r.telemetryOnce.Do(func() {
		if r.stopTelemetry == nil {
			return
		}
		if terr := r.stopTelemetry(ctx); terr != nil {
			err = errors.Join(err, fmt.Errorf("telemetry shutdown: %w", terr))
		}
	})
	return err
}
