// ABOUTME: Tests for the circuit breaker state machine and failure window.
// ABOUTME: Uses short recovery/monitoring windows; sleeps carry generous margins.

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(context.Context) error { return errBoom }

func okOp(context.Context) error { return nil }

func TestTripsAfterThresholdFailures(t *testing.T) {
	b := New(Settings{Name: "worker-1", FailureThreshold: 3}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(ctx, failingOp)
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	// Rejected without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "worker-1", openErr.Name)
	assert.False(t, invoked)
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
	}, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	time.Sleep(80 * time.Millisecond)

	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())

	// A single success closes it (successThreshold=1).
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	}, nil)

	b.RecordFailure()
	time.Sleep(80 * time.Millisecond)
	require.True(t, b.CanExecute())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute(), "recovery window must restart on a failed probe")
}

func TestSuccessThresholdGatesClose(t *testing.T) {
	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	}, nil)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "one success is not enough")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestMonitoringPeriodDecaysFailures(t *testing.T) {
	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 3,
		MonitoringPeriod: 50 * time.Millisecond,
	}, nil)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 2, b.Metrics().Failures)

	// Success inside the window keeps the count.
	b.RecordSuccess()
	assert.Equal(t, 2, b.Metrics().Failures)

	// Success after the window clears it.
	time.Sleep(80 * time.Millisecond)
	b.RecordSuccess()
	assert.Equal(t, 0, b.Metrics().Failures)

	// Old failures no longer contribute toward the trip.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestMetricsHasNoSideEffects(t *testing.T) {
	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	}, nil)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// Metrics must not half-open the breaker even though the recovery
	// timeout has elapsed; only CanExecute may do that.
	m := b.Metrics()
	assert.Equal(t, StateOpen, m.State)
	assert.Equal(t, StateOpen, b.State())

	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestOnStateChangeNotifications(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State

	b := New(Settings{
		Name:             "worker-1",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
		},
	}, nil)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	b.CanExecute()
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, transitions[0])
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, transitions[1])
	assert.Equal(t, [2]State{StateHalfOpen, StateClosed}, transitions[2])
}

func TestResetClosesAndClearsCounters(t *testing.T) {
	b := New(Settings{Name: "worker-1", FailureThreshold: 1}, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Metrics().Failures)
	assert.True(t, b.CanExecute())
}

func TestConcurrentRecording(t *testing.T) {
	b := New(Settings{Name: "worker-1", FailureThreshold: 1000}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (n+j)%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				b.CanExecute()
				b.Metrics()
			}
		}(i)
	}
	wg.Wait()

	// 500 failures recorded, threshold not reached.
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 500, b.Metrics().Failures)
}
