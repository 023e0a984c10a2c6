// Package gate is the composition root. A Gateway multiplexes many
// logical clients over a bounded pool of backend connections, running
// every request through the full admission chain: per-client rate
// limiting and quotas, fair scheduling under a global concurrency cap,
// circuit-protected connection acquisition, and a request-scoped
// session that guarantees release on every exit path.
package gate
