// Package breaker implements a three-state circuit breaker.
//
// # States
//
// A breaker starts closed and passes every call through while counting
// failures. When the failure count reaches the configured threshold it
// opens, and calls are rejected with *OpenError without touching the
// protected resource. After the recovery timeout the next permitted call
// moves the breaker to half-open: probes flow again, a single failure
// reopens it, and enough consecutive successes close it.
//
// # Failure window
//
// Failures only matter while they are recent. A success recorded after the
// monitoring period has elapsed since the last failure clears the count,
// so sporadic errors spread over a long, otherwise healthy stretch never
// trip the breaker.
//
// # Usage
//
// Wrap calls with Execute, or drive CanExecute/RecordSuccess/RecordFailure
// directly when the call result is observed elsewhere. Metrics returns a
// snapshot without side effects; CanExecute is the only reader that may
// transition state (open to half-open once the recovery timeout elapses).
package breaker
