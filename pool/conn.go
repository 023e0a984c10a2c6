package pool

import (
	"sync/atomic"
	"time"

	"github.com/kbukum/conngate/backend"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	// StateIdle means the connection sits in the free list.
	StateIdle ConnState = iota
	// StateInUse means exactly one borrower holds the connection.
	StateInUse
	// StateUnhealthy means the connection failed validation and is being
	// replaced. It never re-enters the idle set.
	StateUnhealthy
	// StateClosed means the physical connection has been torn down.
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is one physical connection owned by the pool. All mutable fields
// are guarded by the pool mutex.
type conn struct {
	id  string
	raw backend.Connection

	// guarded by Pool.mu
	state         ConnState
	createdAt     time.Time
	lastUsedAt    time.Time
	useCount      int64
	probeFailures int
}

// PooledConn is one borrow of a pooled connection. The pool issues a
// fresh handle per borrow, so a stale handle released a second time is
// a no-op even after the connection has moved on to another borrower.
type PooledConn struct {
	c        *conn
	released atomic.Bool
}

// ID returns the connection's unique identifier.
func (pc *PooledConn) ID() string { return pc.c.id }

// Backend exposes the underlying connection for the duration of a borrow.
// It must not be used after Release.
func (pc *PooledConn) Backend() backend.Connection { return pc.c.raw }

// ConnInfo is a read-only description of one pooled connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int64     `json:"use_count"`
}
