// ABOUTME: Three-state circuit breaker guarding calls to unreliable peers.
// ABOUTME: Closed counts failures in a monitoring window; open rejects; half-open probes.

package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the breaker is open.
// It is distinct from any error the protected operation could return.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Settings configures a breaker. Zero values fall back to the defaults
// documented on each field.
type Settings struct {
	// Name identifies the protected resource in logs and metrics.
	Name string

	// FailureThreshold is the consecutive-window failure count that trips
	// the breaker. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe. Default 60s.
	RecoveryTimeout time.Duration

	// MonitoringPeriod bounds how long recorded failures stay relevant:
	// a success after the period has elapsed since the last failure resets
	// the count. Default 60s.
	MonitoringPeriod time.Duration

	// SuccessThreshold is the number of half-open successes required to
	// close the breaker. Default 2.
	SuccessThreshold int

	// OnStateChange, when set, is invoked after every transition with the
	// breaker's name and the states involved. Called outside the lock.
	OnStateChange func(name string, from, to State)
}

// Metrics is a read-only snapshot of breaker counters. Taking a snapshot
// has no side effects and never transitions the breaker.
type Metrics struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
	OpenedAt    time.Time
}

// Breaker is a single circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	monitoringPeriod time.Duration
	successThreshold int
	onStateChange    func(string, State, State)

	state       State
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time

	logger *slog.Logger
}

// New creates a breaker from settings, applying defaults for zero values.
func New(settings Settings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:             settings.Name,
		failureThreshold: settings.FailureThreshold,
		recoveryTimeout:  settings.RecoveryTimeout,
		monitoringPeriod: settings.MonitoringPeriod,
		successThreshold: settings.SuccessThreshold,
		onStateChange:    settings.OnStateChange,
		state:            StateClosed,
		logger:           logger.With("component", "breaker", "name", settings.Name),
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.recoveryTimeout <= 0 {
		b.recoveryTimeout = 60 * time.Second
	}
	if b.monitoringPeriod <= 0 {
		b.monitoringPeriod = 60 * time.Second
	}
	if b.successThreshold <= 0 {
		b.successThreshold = 2
	}
	return b
}

// Execute runs op under the breaker. When the breaker is open and the
// recovery timeout has not elapsed, op is not invoked and an *OpenError is
// returned. Otherwise op runs, its result is recorded, and its error (if
// any) is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.CanExecute() {
		return &OpenError{Name: b.name}
	}

	err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed transitions to half-open here; that is the
// only side effect this method has.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			notify := b.transition(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return true
		}
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return false
	}
}

// RecordSuccess notes a successful call against the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}

	switch b.state {
	case StateClosed:
		// Failures older than the monitoring period no longer count.
		if b.failures > 0 && time.Since(b.lastFailure) >= b.monitoringPeriod {
			b.failures = 0
		}
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			notify = b.transition(StateClosed)
		}
	}

	b.mu.Unlock()
	notify()
}

// RecordFailure notes a failed call against the breaker, tripping it when
// the failure threshold is reached within the monitoring window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	notify := func() {}

	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.failureThreshold {
			b.openedAt = time.Now()
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe reopens and restarts the recovery window.
		b.lastFailure = time.Now()
		b.successes = 0
		b.openedAt = time.Now()
		notify = b.transition(StateOpen)
	case StateOpen:
		b.lastFailure = time.Now()
	}

	b.mu.Unlock()
	notify()
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// Reset returns the breaker to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.successes = 0
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	notify()
}

// transition moves to the new state and returns the notification to run
// once the lock is released. Callers must hold b.mu.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	b.logger.Info("state change", "from", from.String(), "to", to.String())
	if b.onStateChange == nil {
		return func() {}
	}
	cb := b.onStateChange
	name := b.name
	return func() { cb(name, from, to) }
}
