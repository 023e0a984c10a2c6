// Package scheduler bounds global concurrency and keeps greedy clients
// from starving everyone else. Callers enqueue a ticket, await admission,
// and release their slot when done.
//
// Admission round-robins across client queues, resuming after the last
// client served. On each pass a client already at its dynamic fair share —
// max(1, max_concurrent / active clients) — is skipped, so shares rebalance
// as clients come and go. Within one client's queue, tickets order by
// priority (ascending) and then enqueue time.
package scheduler
