// ABOUTME: Tests for directory registration, selection, waiting, and peer breakers.
// ABOUTME: Uses short breaker windows so trip/recover cycles run in real time.

package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/errs"
)

func testEndpoint(id, role string) AgentEndpoint {
	return AgentEndpoint{
		ID:      id,
		Role:    role,
		Address: "127.0.0.1",
		Port:    9000,
	}
}

func TestDirectory_RegisterValidation(t *testing.T) {
	d := New(Config{}, nil)

	err := d.Register(AgentEndpoint{Role: "worker"})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	err = d.Register(AgentEndpoint{ID: "worker-1"})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "worker-1")
}

func TestDirectory_RegisterDefaults(t *testing.T) {
	d := New(Config{}, nil)

	require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

	ep, err := d.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, ep.Status, "unset status defaults to healthy")
	assert.False(t, ep.LastSeen.IsZero())
}

func TestDirectory_RegisterUpserts(t *testing.T) {
	d := New(Config{}, nil)

	require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))
	first, err := d.Get("worker-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	updated := testEndpoint("worker-1", "worker")
	updated.Port = 9999
	require.NoError(t, d.Register(updated))

	second, err := d.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 9999, second.Port, "last write wins")
	assert.True(t, second.LastSeen.After(first.LastSeen), "re-registration refreshes lastSeen")
	assert.Equal(t, 1, d.Count())
}

func TestDirectory_MetadataIsCopied(t *testing.T) {
	d := New(Config{}, nil)

	meta := map[string]string{"zone": "a"}
	ep := testEndpoint("worker-1", "worker")
	ep.Metadata = meta
	require.NoError(t, d.Register(ep))

	meta["zone"] = "changed"

	got, err := d.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Metadata["zone"], "caller mutations must not leak in")

	got.Metadata["zone"] = "also-changed"
	again, err := d.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Metadata["zone"], "returned copies must not alias")
}

func TestDirectory_GetNotFound(t *testing.T) {
	d := New(Config{}, nil)

	_, err := d.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAgentNotFound)
}

func TestDirectory_Unregister(t *testing.T) {
	d := New(Config{}, nil)
	require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

	require.NoError(t, d.Unregister("worker-1"))
	assert.Equal(t, 0, d.Count())

	err := d.Unregister("worker-1")
	assert.ErrorIs(t, err, errs.ErrAgentNotFound)
}

func TestDirectory_UnhealthyAgentsStayRegistered(t *testing.T) {
	d := New(Config{FailureThreshold: 1}, nil)
	require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

	d.MarkFailure("worker-1")

	ep, err := d.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, ep.Status)
	assert.Equal(t, 1, d.Count(), "health never evicts")
}

func TestDirectory_Snapshots(t *testing.T) {
	d := New(Config{FailureThreshold: 1}, nil)
	require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))
	require.NoError(t, d.Register(testEndpoint("worker-2", "worker")))
	require.NoError(t, d.Register(testEndpoint("planner-1", "planner")))

	d.MarkFailure("worker-2")

	workers := d.ByRole("worker")
	require.Len(t, workers, 2)
	assert.Equal(t, "worker-1", workers[0].ID, "snapshots are id-ordered")
	assert.Equal(t, "worker-2", workers[1].ID)

	healthy := d.Healthy()
	require.Len(t, healthy, 2)
	for _, ep := range healthy {
		assert.NotEqual(t, "worker-2", ep.ID)
	}

	assert.Len(t, d.All(), 3)
}

func TestDirectory_FindBest(t *testing.T) {
	t.Run("no healthy agent", func(t *testing.T) {
		d := New(Config{}, nil)
		_, err := d.FindBest("worker", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrAgentNotFound)
		assert.Contains(t, err.Error(), "worker")
	})

	t.Run("skips unhealthy", func(t *testing.T) {
		d := New(Config{FailureThreshold: 1}, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))
		require.NoError(t, d.Register(testEndpoint("worker-2", "worker")))
		d.MarkFailure("worker-1")

		for i := 0; i < 20; i++ {
			ep, err := d.FindBest("worker", nil)
			require.NoError(t, err)
			assert.Equal(t, "worker-2", ep.ID)
		}
	})

	t.Run("metadata criteria narrow candidates", func(t *testing.T) {
		d := New(Config{}, nil)
		a := testEndpoint("worker-a", "worker")
		a.Metadata = map[string]string{"zone": "a", "tier": "fast"}
		b := testEndpoint("worker-b", "worker")
		b.Metadata = map[string]string{"zone": "b", "tier": "fast"}
		require.NoError(t, d.Register(a))
		require.NoError(t, d.Register(b))

		for i := 0; i < 20; i++ {
			ep, err := d.FindBest("worker", map[string]string{"zone": "b"})
			require.NoError(t, err)
			assert.Equal(t, "worker-b", ep.ID)
		}
	})

	t.Run("degraded fallback when criteria match nobody", func(t *testing.T) {
		d := New(Config{}, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

		ep, err := d.FindBest("worker", map[string]string{"zone": "nowhere"})
		require.NoError(t, err, "unmatched criteria fall back to any healthy agent")
		assert.Equal(t, "worker-1", ep.ID)
	})

	t.Run("spreads across candidates", func(t *testing.T) {
		d := New(Config{}, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))
		require.NoError(t, d.Register(testEndpoint("worker-2", "worker")))

		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			ep, err := d.FindBest("worker", nil)
			require.NoError(t, err)
			seen[ep.ID] = true
		}
		assert.True(t, seen["worker-1"] && seen["worker-2"], "random pick should hit both eventually")
	})
}

func TestDirectory_WaitFor(t *testing.T) {
	t.Run("immediate when present", func(t *testing.T) {
		d := New(Config{}, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

		start := time.Now()
		ep, err := d.WaitFor(context.Background(), "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", ep.ID)
		assert.Less(t, time.Since(start), 100*time.Millisecond, "no polling delay when already present")
	})

	t.Run("appears while waiting", func(t *testing.T) {
		d := New(Config{WaitPollInterval: 10 * time.Millisecond}, nil)

		go func() {
			time.Sleep(40 * time.Millisecond)
			d.Register(testEndpoint("worker-late", "worker"))
		}()

		ep, err := d.WaitFor(context.Background(), "worker", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "worker-late", ep.ID)
	})

	t.Run("timeout names role and known agents", func(t *testing.T) {
		d := New(Config{WaitPollInterval: 10 * time.Millisecond}, nil)
		require.NoError(t, d.Register(testEndpoint("planner-1", "planner")))

		_, err := d.WaitFor(context.Background(), "worker", 50*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrTimeout)
		assert.Contains(t, err.Error(), `"worker"`)
		assert.Contains(t, err.Error(), "planner-1")
	})

	t.Run("context cancellation", func(t *testing.T) {
		d := New(Config{WaitPollInterval: 10 * time.Millisecond}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := d.WaitFor(ctx, "worker", time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDirectory_PeerBreaker(t *testing.T) {
	cfg := Config{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Millisecond,
		MonitoringPeriod: time.Minute,
		SuccessThreshold: 1,
	}

	t.Run("trips after threshold", func(t *testing.T) {
		d := New(cfg, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

		d.MarkFailure("worker-1")
		d.MarkFailure("worker-1")
		assert.False(t, d.CircuitOpen("worker-1"), "below threshold stays closed")

		d.MarkFailure("worker-1")
		assert.True(t, d.CircuitOpen("worker-1"))

		ep, err := d.Get("worker-1")
		require.NoError(t, err)
		assert.Equal(t, StatusUnhealthy, ep.Status, "tripping marks the endpoint unhealthy")
	})

	t.Run("recovers through half-open", func(t *testing.T) {
		d := New(cfg, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

		for i := 0; i < 3; i++ {
			d.MarkFailure("worker-1")
		}
		require.True(t, d.CircuitOpen("worker-1"))

		time.Sleep(80 * time.Millisecond)
		assert.False(t, d.CircuitOpen("worker-1"), "past recovery timeout a trial is allowed")

		d.MarkSuccess("worker-1")
		assert.False(t, d.CircuitOpen("worker-1"))

		ep, err := d.Get("worker-1")
		require.NoError(t, err)
		assert.Equal(t, StatusHealthy, ep.Status, "single success closes and restores health")
	})

	t.Run("unknown peer has no open circuit", func(t *testing.T) {
		d := New(cfg, nil)
		assert.False(t, d.CircuitOpen("stranger"))
	})

	t.Run("metrics", func(t *testing.T) {
		d := New(cfg, nil)
		require.NoError(t, d.Register(testEndpoint("worker-1", "worker")))

		_, ok := d.BreakerMetrics("worker-1")
		assert.False(t, ok, "no breaker until first mark")

		d.MarkFailure("worker-1")
		m, ok := d.BreakerMetrics("worker-1")
		require.True(t, ok)
		assert.Equal(t, 1, m.Failures)
	})
}
