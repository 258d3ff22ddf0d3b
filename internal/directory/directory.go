// ABOUTME: In-memory agent directory: who exists, what role they serve, how healthy.
// ABOUTME: Per-peer circuit breakers gate delivery to flapping agents.

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/coven-relay/internal/breaker"
	"github.com/2389/coven-relay/internal/errs"
)

var meter = otel.GetMeterProvider().Meter("coven-relay/directory")

// Status is an endpoint's last observed health.
type Status string

const (
	// StatusHealthy means the agent answered its last probe.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy means the agent answered but reported not-ok.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnreachable means the probe could not reach the agent at all.
	StatusUnreachable Status = "unreachable"
)

// AgentEndpoint is one known agent. Endpoints live only in memory; the
// directory is rebuilt from discovery after a restart.
type AgentEndpoint struct {
	ID        string
	Role      string
	Address   string
	Port      int
	Transport string
	Status    Status
	LastSeen  time.Time
	Metadata  map[string]string
}

// HostPort returns the endpoint's dialable address.
func (e AgentEndpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Config tunes the directory's loops and per-peer breakers.
type Config struct {
	DiscoveryInterval   time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	WaitPollInterval    time.Duration

	// Per-peer breaker settings. A peer trips after FailureThreshold
	// failures inside the window and recovers through half-open.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Directory tracks every known agent endpoint. All accessors return copies;
// callers never share directory-internal state.
type Directory struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	agents   map[string]AgentEndpoint
	breakers map[string]*breaker.Breaker
}

// New creates an empty directory.
func New(cfg Config, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "directory"),
		agents:   make(map[string]AgentEndpoint),
		breakers: make(map[string]*breaker.Breaker),
	}
}

// Register upserts an endpoint. Re-registration is last-write-wins and
// refreshes lastSeen; it never errors for a known agent.
func (d *Directory) Register(ep AgentEndpoint) error {
	if ep.ID == "" {
		return errs.Validationf("agent endpoint missing id")
	}
	if ep.Role == "" {
		return errs.Validationf("agent endpoint %q missing role", ep.ID)
	}
	if ep.Status == "" {
		ep.Status = StatusHealthy
	}
	ep.LastSeen = time.Now().UTC()
	ep.Metadata = copyMetadata(ep.Metadata)

	d.mu.Lock()
	_, known := d.agents[ep.ID]
	d.agents[ep.ID] = ep
	d.mu.Unlock()

	if !known {
		d.logger.Info("agent registered", "id", ep.ID, "role", ep.Role, "address", ep.HostPort())
	}
	return nil
}

// Unregister removes an endpoint and its breaker. This is the only way an
// endpoint leaves the directory.
func (d *Directory) Unregister(id string) error {
	d.mu.Lock()
	_, known := d.agents[id]
	delete(d.agents, id)
	delete(d.breakers, id)
	d.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", errs.ErrAgentNotFound, id)
	}
	d.logger.Info("agent unregistered", "id", id)
	return nil
}

// Get returns the endpoint registered under id.
func (d *Directory) Get(id string) (AgentEndpoint, error) {
	d.mu.RLock()
	ep, ok := d.agents[id]
	d.mu.RUnlock()

	if !ok {
		return AgentEndpoint{}, fmt.Errorf("%w: %s", errs.ErrAgentNotFound, id)
	}
	ep.Metadata = copyMetadata(ep.Metadata)
	return ep, nil
}

// ByRole returns every endpoint serving a role, any health.
func (d *Directory) ByRole(role string) []AgentEndpoint {
	return d.snapshot(func(ep AgentEndpoint) bool { return ep.Role == role })
}

// Healthy returns every healthy endpoint.
func (d *Directory) Healthy() []AgentEndpoint {
	return d.snapshot(func(ep AgentEndpoint) bool { return ep.Status == StatusHealthy })
}

// All returns every known endpoint.
func (d *Directory) All() []AgentEndpoint {
	return d.snapshot(func(AgentEndpoint) bool { return true })
}

// Count returns the number of known endpoints.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

// snapshot returns copies of endpoints matching keep, ordered by id so
// results are stable for logs and tests.
func (d *Directory) snapshot(keep func(AgentEndpoint) bool) []AgentEndpoint {
	d.mu.RLock()
	out := make([]AgentEndpoint, 0, len(d.agents))
	for _, ep := range d.agents {
		if keep(ep) {
			ep.Metadata = copyMetadata(ep.Metadata)
			out = append(out, ep)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindBest picks a healthy endpoint for a role, preferring metadata matches.
//
// When criteria is non-empty, only endpoints whose metadata contains every
// key with an equal value are considered. If that filter eliminates
// everyone, selection falls back to all healthy endpoints of the role; a
// degraded match beats no match. The final pick is uniformly random.
func (d *Directory) FindBest(role string, criteria map[string]string) (AgentEndpoint, error) {
	healthy := d.snapshot(func(ep AgentEndpoint) bool {
		return ep.Role == role && ep.Status == StatusHealthy
	})
	if len(healthy) == 0 {
		return AgentEndpoint{}, fmt.Errorf("%w: no healthy agent for role %q", errs.ErrAgentNotFound, role)
	}

	candidates := healthy
	if len(criteria) > 0 {
		matched := make([]AgentEndpoint, 0, len(healthy))
		for _, ep := range healthy {
			if metadataMatches(ep.Metadata, criteria) {
				matched = append(matched, ep)
			}
		}
		if len(matched) > 0 {
			candidates = matched
		} else {
			d.logger.Debug("no metadata match, using any healthy agent",
				"role", role, "criteria", criteria)
		}
	}

	return candidates[rand.Intn(len(candidates))], nil
}

// WaitFor blocks until a healthy agent for the role appears, polling at the
// configured interval. The timeout error names the role and the agents
// currently known, which makes missing-dependency failures diagnosable.
func (d *Directory) WaitFor(ctx context.Context, role string, timeout time.Duration) (AgentEndpoint, error) {
	if ep, err := d.FindBest(role, nil); err == nil {
		return ep, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(d.cfg.WaitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if ep, err := d.FindBest(role, nil); err == nil {
				return ep, nil
			}
		case <-deadline.C:
			return AgentEndpoint{}, fmt.Errorf("%w waiting for agent with role %q after %s (known agents: %v)",
				errs.ErrTimeout, role, timeout, d.knownIDs())
		case <-ctx.Done():
			return AgentEndpoint{}, ctx.Err()
		}
	}
}

func (d *Directory) knownIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkSuccess records a successful exchange with an agent. It closes a
// half-open breaker and restores the endpoint to healthy.
func (d *Directory) MarkSuccess(id string) {
	d.breakerFor(id).RecordSuccess()
	d.setStatus(id, StatusHealthy)
}

// MarkFailure records a failed exchange. Enough failures inside the window
// trip the peer's breaker, which marks the endpoint unhealthy.
func (d *Directory) MarkFailure(id string) {
	d.breakerFor(id).RecordFailure()
}

// CircuitOpen reports whether sends to the agent should be blocked. A peer
// past its recovery timeout is allowed one trial delivery.
func (d *Directory) CircuitOpen(id string) bool {
	d.mu.RLock()
	br, ok := d.breakers[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return !br.CanExecute()
}

// BreakerMetrics exposes a peer's breaker counters, mainly for logs.
func (d *Directory) BreakerMetrics(id string) (breaker.Metrics, bool) {
	d.mu.RLock()
	br, ok := d.breakers[id]
	d.mu.RUnlock()
	if !ok {
		return breaker.Metrics{}, false
	}
	return br.Metrics(), true
}

// breakerFor returns the peer's breaker, creating it on first use. State
// changes update the endpoint's health so FindBest routes around open peers.
func (d *Directory) breakerFor(id string) *breaker.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if br, ok := d.breakers[id]; ok {
		return br
	}
	br := breaker.New(breaker.Settings{
		Name:             "peer:" + id,
		FailureThreshold: d.cfg.FailureThreshold,
		RecoveryTimeout:  d.cfg.RecoveryTimeout,
		MonitoringPeriod: d.cfg.MonitoringPeriod,
		SuccessThreshold: d.cfg.SuccessThreshold,
		OnStateChange: func(name string, from, to breaker.State) {
			if counter, err := meter.Int64Counter("relay.breaker.transitions"); err == nil {
				counter.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("peer", id),
					attribute.String("to", to.String()),
				))
			}
			switch to {
			case breaker.StateOpen:
				d.setStatus(id, StatusUnhealthy)
			case breaker.StateClosed:
				d.setStatus(id, StatusHealthy)
			}
		},
	}, d.logger)
	d.breakers[id] = br
	return br
}

// setStatus updates an endpoint's health, logging transitions. Unknown ids
// are ignored; a breaker can outlive its endpoint briefly during unregister.
func (d *Directory) setStatus(id string, status Status) {
	d.mu.Lock()
	ep, ok := d.agents[id]
	if !ok || ep.Status == status {
		d.mu.Unlock()
		return
	}
	prev := ep.Status
	ep.Status = status
	if status == StatusHealthy {
		ep.LastSeen = time.Now().UTC()
	}
	d.agents[id] = ep
	d.mu.Unlock()

	d.logger.Info("agent health changed", "id", id, "from", string(prev), "to", string(status))
}

func metadataMatches(metadata, criteria map[string]string) bool {
	for k, want := range criteria {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
