// Package component defines the lifecycle contract for conngate's
// long-running parts. Background work — pool maintenance, scheduler
// dispatch, quota eviction, health sampling — never starts as an import
// side effect: the gateway registers each component and starts them in
// dependency order, stopping them in reverse on shutdown.
package component
