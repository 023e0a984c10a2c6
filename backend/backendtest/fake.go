// Package backendtest provides a scriptable in-memory backend for tests.
package backendtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbukum/conngate/backend"
)

// ErrClosed is returned when operating on a closed fake connection.
var ErrClosed = errors.New("backendtest: connection closed")

// Connector is a scriptable backend.Connector. The zero value dials
// healthy connections that succeed every operation.
type Connector struct {
	mu sync.Mutex

	// DialErrs are returned in order by successive Connect calls; once
	// drained, dialing succeeds. Use to script transient create failures.
	DialErrs []error

	// DialDelay is applied to every successful dial.
	DialDelay time.Duration

	// Configure is called on every newly dialed connection.
	Configure func(*Conn)

	dials  atomic.Int64
	conns  []*Conn
	nextID int
}

// Connect dials a new fake connection.
func (c *Connector) Connect(ctx context.Context) (backend.Connection, error) {
	c.dials.Add(1)

	c.mu.Lock()
	var scripted error
	if len(c.DialErrs) > 0 {
		scripted = c.DialErrs[0]
		c.DialErrs = c.DialErrs[1:]
	}
	c.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}

	if c.DialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.DialDelay):
		}
	}

	c.mu.Lock()
	c.nextID++
	conn := &Conn{id: c.nextID}
	c.conns = append(c.conns, conn)
	if c.Configure != nil {
		c.Configure(conn)
	}
	c.mu.Unlock()

	return conn, nil
}

// Dials returns the number of Connect calls, including failed ones.
func (c *Connector) Dials() int { return int(c.dials.Load()) }

// Conns returns every connection dialed so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, len(c.conns))
	copy(out, c.conns)
	return out
}

// OpenCount returns the number of dialed connections not yet closed.
func (c *Connector) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conn := range c.conns {
		if !conn.closed.Load() {
			n++
		}
	}
	return n
}

// Conn is a scriptable backend.Connection.
type Conn struct {
	id int

	mu sync.Mutex

	// ExecuteFunc overrides operation execution. Nil means every
	// operation returns an empty result.
	ExecuteFunc func(ctx context.Context, op backend.Operation) (*backend.Result, error)

	// ExecuteDelay is applied before each execution, honoring ctx.
	ExecuteDelay time.Duration

	// PingErr, when set, fails every probe.
	PingErr error

	// PingDelay is applied before each probe, honoring ctx.
	PingDelay time.Duration

	// ResetErr, when set, fails ambient-state reset.
	ResetErr error

	// Namespace mimics ambient session state: set via SetNamespace,
	// cleared by Reset.
	Namespace string

	closed   atomic.Bool
	pings    atomic.Int64
	resets   atomic.Int64
	executes atomic.Int64
	ops      []backend.Operation
}

// ID returns the connection's dial sequence number.
func (c *Conn) ID() int { return c.id }

// Execute implements backend.Connection.
func (c *Conn) Execute(ctx context.Context, op backend.Operation) (*backend.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.executes.Add(1)

	c.mu.Lock()
	c.ops = append(c.ops, op)
	fn := c.ExecuteFunc
	delay := c.ExecuteDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if fn != nil {
		return fn(ctx, op)
	}
	return &backend.Result{Columns: []string{}, Rows: [][]any{}}, nil
}

// Ping implements backend.Connection.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.pings.Add(1)

	c.mu.Lock()
	err := c.PingErr
	delay := c.PingDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Reset implements backend.Connection: clears the fake ambient namespace.
func (c *Conn) Reset(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.resets.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ResetErr != nil {
		return c.ResetErr
	}
	c.Namespace = ""
	return nil
}

// Close implements backend.Connection. Idempotent.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// SetPingErr scripts probe failure or recovery.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	c.PingErr = err
	c.mu.Unlock()
}

// SetNamespace mimics a leaked ambient-state mutation.
func (c *Conn) SetNamespace(ns string) {
	c.mu.Lock()
	c.Namespace = ns
	c.mu.Unlock()
}

// CurrentNamespace returns the fake ambient namespace.
func (c *Conn) CurrentNamespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Namespace
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Pings returns the number of probes received.
func (c *Conn) Pings() int { return int(c.pings.Load()) }

// Resets returns the number of Reset calls received.
func (c *Conn) Resets() int { return int(c.resets.Load()) }

// Executes returns the number of Execute calls received.
func (c *Conn) Executes() int { return int(c.executes.Load()) }

// Operations returns every operation executed on this connection.
func (c *Conn) Operations() []backend.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Operation, len(c.ops))
	copy(out, c.ops)
	return out
}
