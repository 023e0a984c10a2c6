// Package resilience provides the failure-protection primitives conngate
// wraps around backend calls: a circuit breaker that fails fast while the
// backend is presumed unhealthy, and retry with exponential backoff used
// internally for connection creation.
package resilience
