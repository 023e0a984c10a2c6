// Package health periodically samples the pool, circuit breakers and
// scheduler, runs a lightweight end-to-end probe, and classifies the
// overall system as healthy, degraded, critical or slow. A bounded
// time-ordered history of snapshots is kept for external monitoring.
package health
