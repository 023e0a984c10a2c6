// Package session provides the per-request isolation layer. A Session
// borrows exactly one pooled connection for the lifetime of a request,
// runs operations through the circuit breaker, records every error it
// observes, and guarantees the connection is returned to the pool
// exactly once on every exit path.
//
// Ambient connection state never leaks between requests: operations
// carry their namespace explicitly, and the pool resets connections to
// a known baseline before reuse.
package session
