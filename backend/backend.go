package backend

import (
	"context"
	"time"
)

// Operation is a single backend request. The namespace travels with the
// operation instead of being set as connection session state, so executing
// it leaves no ambient trace on the connection.
type Operation struct {
	// Name identifies the operation for logging and metrics.
	Name string `json:"name"`
	// Statement is the backend-specific query or command text.
	Statement string `json:"statement"`
	// Params are positional parameters for the statement.
	Params []any `json:"params,omitempty"`
	// Namespace is the explicit evaluation context for this operation.
	// Empty means the backend default.
	Namespace string `json:"namespace,omitempty"`
	// EstimatedCost is a relative weight used for scheduling hints.
	EstimatedCost int `json:"estimated_cost,omitempty"`
}

// Result is the outcome of a successfully executed operation.
type Result struct {
	Columns      []string      `json:"columns"`
	Rows         [][]any       `json:"rows"`
	RowsAffected int64         `json:"rows_affected"`
	Duration     time.Duration `json:"duration"`
}

// Connection is one physical connection to the backend. Implementations
// need not be safe for concurrent use; the pool guarantees a single
// borrower at a time.
type Connection interface {
	// Execute runs one operation and returns its result. Blocking; the
	// caller bounds it with ctx.
	Execute(ctx context.Context, op Operation) (*Result, error)

	// Ping is a cheap liveness probe used by the pool's health checks.
	Ping(ctx context.Context) error

	// Reset returns ambient session state to the connection's baseline.
	// Called by the pool before a released connection re-enters the idle
	// set. A reset failure condemns the connection.
	Reset(ctx context.Context) error

	// Close tears down the physical connection. Idempotent.
	Close() error
}

// Connector dials new physical connections. The pool owns every
// Connection a Connector returns.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Connection, error) {
	return f(ctx)
}
