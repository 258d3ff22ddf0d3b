// Package discovery locates agents for the directory.
//
// Two sources exist. The static source probes configured seed addresses by
// fetching GET /identity from each; it suits small fixed topologies and
// local development. The Redis source lets agents announce themselves under
// a shared namespace with a TTL, so membership tracks liveness without any
// central coordinator.
//
// Sources only report what is reachable right now. Deciding what to do
// about agents that stop appearing is the directory's job.
package discovery
