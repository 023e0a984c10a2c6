// Package quota enforces per-client admission limits: a token-bucket
// rate limiter for short-term burst control and named quota windows
// (requests per hour, per day, and so on) for longer-term budgets.
//
// Client state is created lazily on first use and evicted after a
// period of inactivity by a background janitor. Both checks fail
// closed and never block the caller.
package quota
