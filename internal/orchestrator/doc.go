// Package orchestrator owns the fleet of language server clients. It maps
// files to (server, root) instances, reuses or spawns clients behind a
// single-flight guard, fans queries out across every matching server with
// partial results, and tracks broken instances with capped exponential
// backoff. Configuration changes invalidate the fleet: the registry is
// rebuilt and clients whose definitions changed are retired.
package orchestrator
