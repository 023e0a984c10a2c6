// Package pool implements the bounded connection pool at the bottom of the
// conngate stack. It owns every physical backend connection: callers borrow
// one at a time through Acquire and must return it through Release.
//
// The pool eagerly opens MinSize connections on Start, grows on demand up
// to MaxSize, parks acquirers on a FIFO wait list when full, and runs one
// maintenance loop that probes idle connections and retires those idle past
// MaxIdleDuration. A released connection has its ambient state reset to the
// backend baseline before it can be borrowed again; connections that fail
// probes or resets are closed and replaced without dropping below MinSize.
package pool
