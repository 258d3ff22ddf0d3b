// ABOUTME: Directory background loops: periodic discovery and concurrent health checks.
// ABOUTME: Both register with the lifecycle registry so shutdown stops them cleanly.

package directory

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/lifecycle"
)

// HealthChecker probes one endpoint. ok=true means the agent answered and
// reported healthy; ok=false with nil error means it answered not-ok; an
// error means the probe never got through.
type HealthChecker func(ctx context.Context, ep AgentEndpoint) (ok bool, err error)

// StartDiscovery runs one discovery round immediately, then repeats on the
// configured interval until shutdown. Source errors never stop the loop.
func (d *Directory) StartDiscovery(reg *lifecycle.Registry, sources ...discovery.Source) {
	if len(sources) == 0 {
		d.logger.Warn("no discovery sources configured")
		return
	}

	d.RunDiscovery(context.Background(), sources...)
	reg.Ticker("directory.discovery", d.cfg.DiscoveryInterval, func(ctx context.Context) {
		d.RunDiscovery(ctx, sources...)
	})
}

// RunDiscovery performs a single discovery round across all sources.
func (d *Directory) RunDiscovery(ctx context.Context, sources ...discovery.Source) {
	for _, src := range sources {
		anns, err := src.Discover(ctx)
		if err != nil {
			d.logger.Debug("discovery source failed", "source", src.Name(), "error", err)
			continue
		}
		for _, ann := range anns {
			ep := endpointFromAnnouncement(ann)
			if err := d.Register(ep); err != nil {
				d.logger.Debug("skipping invalid announcement",
					"source", src.Name(), "id", ann.ID, "error", err)
			}
		}
	}
}

// StartHealthChecks probes every known endpoint on the configured interval.
// Probes run concurrently; one slow or panicking check never delays the rest.
func (d *Directory) StartHealthChecks(reg *lifecycle.Registry, check HealthChecker) {
	reg.Ticker("directory.health", d.cfg.HealthCheckInterval, func(ctx context.Context) {
		d.RunHealthChecks(ctx, check)
	})
}

// RunHealthChecks performs a single concurrent health round.
func (d *Directory) RunHealthChecks(ctx context.Context, check HealthChecker) {
	agents := d.All()
	if len(agents) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ep := range agents {
		wg.Add(1)
		go func(ep AgentEndpoint) {
			defer wg.Done()
			d.checkOne(ctx, ep, check)
		}(ep)
	}
	wg.Wait()
}

func (d *Directory) checkOne(ctx context.Context, ep AgentEndpoint, check HealthChecker) {
	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.HealthCheckTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("health check panicked", "id", ep.ID, "panic", r)
			d.setStatus(ep.ID, StatusUnreachable)
		}
	}()

	ok, err := check(probeCtx, ep)
	switch {
	case err != nil:
		d.logger.Debug("health probe failed", "id", ep.ID, "error", err)
		d.setStatus(ep.ID, StatusUnreachable)
	case ok:
		d.MarkSuccess(ep.ID)
	default:
		d.setStatus(ep.ID, StatusUnhealthy)
	}
}

func endpointFromAnnouncement(ann discovery.Announcement) AgentEndpoint {
	lastSeen := ann.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	return AgentEndpoint{
		ID:        ann.ID,
		Role:      ann.Role,
		Address:   ann.Address,
		Port:      ann.Port,
		Transport: ann.Transport,
		Status:    StatusHealthy,
		LastSeen:  lastSeen,
		Metadata:  ann.Metadata,
	}
}
