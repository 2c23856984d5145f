// Package protocol implements the LSP wire layer for a single server
// process: Content-Length framing over stdio, JSON-RPC request correlation,
// the initialize handshake, full-text document synchronization, and
// publishDiagnostics tracking with debounced waits.
//
// A Client owns exactly one process for one (server, root) pair and moves
// through an explicit lifecycle: spawned, initializing, ready,
// shutting-down, closed. Process death from any state closes the client and
// rejects in-flight requests; shutdown escalates from a polite request
// through SIGTERM to SIGKILL with a bounded budget at every step.
package protocol
