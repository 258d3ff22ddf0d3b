// ABOUTME: Static discovery source: probes configured seed addresses over HTTP.
// ABOUTME: Each seed's GET /identity response becomes an announcement.

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Seed is one statically configured agent address to probe.
type Seed struct {
	Role    string
	Address string
	Port    int
}

// StaticConfig configures the seed prober.
type StaticConfig struct {
	// Seeds are the fixed addresses probed each round.
	Seeds []Seed

	// ProbeTimeout bounds each individual HTTP probe.
	ProbeTimeout time.Duration

	// MaxRetries is how many times a failed probe is retried within a
	// round before the seed is skipped until the next round.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; later retries
	// back off exponentially.
	RetryBackoff time.Duration
}

func (c StaticConfig) withDefaults() StaticConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// identityResponse mirrors the JSON served at GET /identity.
type identityResponse struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Transport string            `json:"transport"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StaticSource probes a fixed list of seeds. Unreachable seeds are skipped
// rather than failing the whole round; agents come and go.
type StaticSource struct {
	cfg    StaticConfig
	client *http.Client
	logger *slog.Logger
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource creates a source probing the configured seeds.
func NewStaticSource(cfg StaticConfig, logger *slog.Logger) *StaticSource {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &StaticSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger.With("component", "discovery", "source", "static"),
	}
}

func (s *StaticSource) Name() string { return "static" }

// Discover probes every seed and returns the ones that answered.
func (s *StaticSource) Discover(ctx context.Context) ([]Announcement, error) {
	var found []Announcement
	for _, seed := range s.cfg.Seeds {
		ann, err := s.probe(ctx, seed)
		if err != nil {
			s.logger.Debug("seed probe failed", "address", seed.Address, "port", seed.Port, "error", err)
			continue
		}
		found = append(found, ann)
	}
	return found, nil
}

// probe fetches a seed's identity, retrying transient failures briefly.
func (s *StaticSource) probe(ctx context.Context, seed Seed) (Announcement, error) {
	url := fmt.Sprintf("http://%s:%d/identity", seed.Address, seed.Port)

	var identity identityResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
			return fmt.Errorf("decoding identity: %w", err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.RetryBackoff),
	), uint64(s.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Announcement{}, err
	}

	if identity.ID == "" {
		return Announcement{}, fmt.Errorf("identity from %s missing id", url)
	}

	ann := Announcement{
		ID:        identity.ID,
		Role:      identity.Role,
		Address:   identity.Address,
		Port:      identity.Port,
		Transport: identity.Transport,
		Metadata:  identity.Metadata,
		LastSeen:  time.Now().UTC(),
	}
	// The seed config wins for dialing details the agent left blank.
	if ann.Role == "" {
		ann.Role = seed.Role
	}
	if ann.Address == "" {
		ann.Address = seed.Address
	}
	if ann.Port == 0 {
		ann.Port = seed.Port
	}
	if ann.Transport == "" {
		ann.Transport = "http"
	}
	return ann, nil
}
