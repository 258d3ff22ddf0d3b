// Package directory tracks every agent the relay can talk to.
//
// The directory is purely in-memory and rebuilt from discovery after a
// restart. Registration is an upsert keyed by agent id; endpoints only
// leave through explicit unregistration, never by going unhealthy. Health
// state routes around bad agents, it does not forget them.
//
// # Selection
//
// FindBest picks among healthy agents of a role. Metadata criteria narrow
// the candidates when possible, but an empty match falls back to any
// healthy agent of the role: a degraded match beats failing the caller.
// WaitFor covers startup ordering, polling until a dependency's role shows
// up or a timeout expires.
//
// # Peer breakers
//
// Each peer gets its own circuit breaker fed by MarkSuccess/MarkFailure.
// Three failures inside the monitoring window trip the breaker, marking
// the endpoint unhealthy; after the recovery timeout one trial delivery is
// allowed, and a single success closes the circuit again.
//
// # Loops
//
// Two background loops run under the lifecycle registry: discovery
// (re-registers whatever the sources currently see) and health (probes all
// known endpoints concurrently). Both survive any individual failure.
package directory
