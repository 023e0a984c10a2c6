package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/conngate/backend"
	"github.com/kbukum/conngate/component"
	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/resilience"
)

const (
	// probeTimeout bounds a single health-check ping.
	probeTimeout = 2 * time.Second
	// resetTimeout bounds the ambient-state reset on release.
	resetTimeout = 2 * time.Second
	// probeFailureLimit quarantines a connection after this many
	// consecutive failed probes.
	probeFailureLimit = 2
)

// waiter is one parked Acquire call. The channel is buffered so a release
// can hand off without blocking.
type waiter struct {
	ch chan *PooledConn
}

// Pool is a bounded pool of backend connections. Safe for concurrent use.
type Pool struct {
	config    Config
	connector backend.Connector
	log       *logger.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	idle    []*conn   // ordered by release time, oldest first
	waiters []*waiter // FIFO
	pending int           // creations in flight, counted against MaxSize
	closed  bool
	started bool

	created         int64
	closedConns     int64
	replaced        int64
	acquires        int64
	acquireTimeouts int64
	waitCount       int64
	waitDuration    time.Duration

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	MinSize         int           `json:"min_size"`
	MaxSize         int           `json:"max_size"`
	Total           int           `json:"total"`
	Idle            int           `json:"idle"`
	InUse           int           `json:"in_use"`
	Waiters         int           `json:"waiters"`
	Created         int64         `json:"created"`
	Closed          int64         `json:"closed"`
	Replaced        int64         `json:"replaced"`
	Acquires        int64         `json:"acquires"`
	AcquireTimeouts int64         `json:"acquire_timeouts"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
}

// New creates a pool. No connections are opened until Start.
func New(cfg Config, connector backend.Connector, log *logger.Logger) *Pool {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		config:    cfg,
		connector: connector,
		log:       log.WithComponent("pool"),
		conns:     make(map[string]*conn),
	}
}

// Name implements component.Component.
func (p *Pool) Name() string { return "pool" }

// Start eagerly opens MinSize connections and launches the maintenance
// loop. It implements component.Component.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return stderrors.New("pool: already started or closed")
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.config.MinSize; i++ {
		c, err := p.openConn(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.conns[c.id] = c
		p.created++
		c.state = StateIdle
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.loopCancel = cancel
	p.loopDone = make(chan struct{})
	go p.maintenanceLoop(loopCtx)

	p.log.Info("pool started", logger.Fields(
		"min_size", p.config.MinSize, "max_size", p.config.MaxSize))
	return nil
}

// Stop drains the pool. Idle connections are closed immediately, waiters
// are failed with POOL_CLOSED, and in-use connections are closed as they
// are released. It implements component.Component.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	for _, c := range idle {
		c.state = StateClosed
		delete(p.conns, c.id)
		p.closedConns++
	}
	cancel := p.loopCancel
	done := p.loopDone
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, c := range idle {
		_ = c.raw.Close()
	}

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.log.Info("pool stopped")
	return nil
}

// Health implements component.Component.
func (p *Pool) Health(ctx context.Context) component.Health {
	stats := p.Stats()
	h := component.Health{Name: p.Name(), Status: component.StatusHealthy}
	switch {
	case p.isClosed():
		h.Status = component.StatusUnhealthy
		h.Message = "pool is closed"
	case stats.Total < p.config.MinSize:
		h.Status = component.StatusDegraded
		h.Message = "below minimum size"
	}
	return h
}

// Acquire borrows a connection, waiting up to AcquireTimeout when the pool
// is at capacity. Preference order: idle connection, then a fresh one if
// below MaxSize, then the FIFO wait list. A caller arriving at a full pool
// with no waiting budget left fails fast with POOL_EXHAUSTED.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, gateerrors.PoolClosed()
	}
	p.acquires++

	if c := p.popIdleLocked(); c != nil {
		pc := p.borrowLocked(c)
		p.mu.Unlock()
		return pc, nil
	}

	if p.totalLocked() < p.config.MaxSize {
		p.pending++
		p.mu.Unlock()
		return p.acquireFresh(ctx)
	}

	if ctx.Err() != nil {
		total := p.totalLocked()
		p.acquireTimeouts++
		p.mu.Unlock()
		return nil, gateerrors.PoolExhausted(total, p.config.MaxSize)
	}

	w := &waiter{ch: make(chan *PooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.waitCount++
	p.mu.Unlock()

	return p.awaitHandoff(ctx, w)
}

// acquireFresh opens a new connection for the caller; the capacity slot
// has already been reserved via p.pending.
func (p *Pool) acquireFresh(ctx context.Context) (*PooledConn, error) {
	c, err := p.openConn(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.raw.Close()
		return nil, gateerrors.PoolClosed()
	}
	p.conns[c.id] = c
	p.created++
	pc := p.borrowLocked(c)
	p.mu.Unlock()
	return pc, nil
}

// awaitHandoff parks the caller until a release hands a connection over or
// the acquire deadline passes.
func (p *Pool) awaitHandoff(ctx context.Context, w *waiter) (*PooledConn, error) {
	start := time.Now()

	select {
	case pc, ok := <-w.ch:
		p.mu.Lock()
		p.waitDuration += time.Since(start)
		p.mu.Unlock()
		if !ok {
			return nil, gateerrors.PoolClosed()
		}
		return pc, nil

	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(w)
		p.waitDuration += time.Since(start)
		p.acquireTimeouts++
		p.mu.Unlock()

		// A release may have handed a connection over concurrently with
		// the timeout; reclaim it.
		select {
		case pc, ok := <-w.ch:
			if ok && pc != nil {
				p.Release(pc, true)
			}
		default:
		}

		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gateerrors.AcquireTimeout(p.config.AcquireTimeout)
		}
		return nil, ctx.Err()
	}
}

// Release returns a borrowed connection. The reported health decides its
// fate: a healthy connection has its ambient state reset and re-enters the
// idle set (or goes straight to a waiter); an unhealthy one is closed and
// replaced. Each handle releases at most once: a second Release of the
// same handle is a no-op even after the connection was handed to the next
// borrower.
func (p *Pool) Release(pc *PooledConn, healthy bool) {
	if !pc.released.CompareAndSwap(false, true) {
		return
	}
	c := pc.c

	p.mu.Lock()
	if c.state != StateInUse {
		p.mu.Unlock()
		return
	}
	if p.closed {
		p.discardLocked(c)
		p.mu.Unlock()
		_ = c.raw.Close()
		return
	}
	p.mu.Unlock()

	if !healthy {
		p.quarantine(c, nil)
		return
	}

	// Ambient state on a returned connection is untrusted: reset to the
	// backend baseline before anyone else can borrow it.
	rctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	err := c.raw.Reset(rctx)
	cancel()
	if err != nil {
		p.log.Warn("ambient reset failed, replacing connection",
			logger.Fields(logger.FieldConnID, c.id, logger.FieldError, err.Error()))
		p.quarantine(c, err)
		return
	}

	p.mu.Lock()
	if p.closed || c.state != StateInUse {
		p.discardLocked(c)
		p.mu.Unlock()
		_ = c.raw.Close()
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		next := p.borrowLocked(c)
		p.mu.Unlock()
		w.ch <- next
		return
	}

	c.state = StateIdle
	c.lastUsedAt = time.Now()
	c.probeFailures = 0
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, c := range p.conns {
		if c.state == StateInUse {
			inUse++
		}
	}

	return Stats{
		MinSize:         p.config.MinSize,
		MaxSize:         p.config.MaxSize,
		Total:           p.totalLocked(),
		Idle:            len(p.idle),
		InUse:           inUse,
		Waiters:         len(p.waiters),
		Created:         p.created,
		Closed:          p.closedConns,
		Replaced:        p.replaced,
		Acquires:        p.acquires,
		AcquireTimeouts: p.acquireTimeouts,
		WaitCount:       p.waitCount,
		WaitDuration:    p.waitDuration,
	}
}

// Connections lists every owned connection for introspection.
func (p *Pool) Connections() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, ConnInfo{
			ID:         c.id,
			State:      c.state.String(),
			CreatedAt:  c.createdAt,
			LastUsedAt: c.lastUsedAt,
			UseCount:   c.useCount,
		})
	}
	return out
}

// --- internals ---

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// totalLocked counts open plus in-flight connections against MaxSize.
func (p *Pool) totalLocked() int {
	return len(p.conns) + p.pending
}

// popIdleLocked takes the most recently used idle connection, keeping the
// oldest ones eligible for retirement.
func (p *Pool) popIdleLocked() *conn {
	last := len(p.idle) - 1
	if last < 0 {
		return nil
	}
	c := p.idle[last]
	p.idle = p.idle[:last]
	return c
}

// borrowLocked marks the connection in use and issues a fresh handle for
// this borrow.
func (p *Pool) borrowLocked(c *conn) *PooledConn {
	c.state = StateInUse
	c.useCount++
	c.lastUsedAt = time.Now()
	return &PooledConn{c: c}
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) discardLocked(c *conn) {
	c.state = StateClosed
	delete(p.conns, c.id)
	p.closedConns++
}

// openConn dials a new connection, retrying transient failures with
// exponential backoff before surfacing the error.
func (p *Pool) openConn(ctx context.Context) (*conn, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    p.config.RetryAttempts,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			p.log.Warn("connection create failed, retrying", logger.Fields(
				logger.FieldAttempt, attempt,
				logger.FieldError, err.Error(),
				"backoff", backoff.String()))
		},
	}

	raw, err := resilience.Retry(ctx, retryCfg, func() (backend.Connection, error) {
		return p.connector.Connect(ctx)
	})
	if err != nil {
		ge := gateerrors.ConnectionUnhealthy("", err)
		ge.Message = "connection creation failed"
		return nil, ge.WithDetail("attempts", p.config.RetryAttempts)
	}

	now := time.Now()
	return &conn{
		id:         uuid.NewString(),
		raw:        raw,
		state:      StateInUse,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// quarantine removes a bad connection, closes it, and replenishes.
func (p *Pool) quarantine(c *conn, cause error) {
	p.mu.Lock()
	if c.state == StateClosed {
		p.mu.Unlock()
		return
	}
	c.state = StateUnhealthy
	p.discardLocked(c)
	p.replaced++
	p.mu.Unlock()

	_ = c.raw.Close()

	fields := logger.Fields(logger.FieldConnID, c.id)
	if cause != nil {
		fields[logger.FieldError] = cause.Error()
	}
	p.log.Warn("connection quarantined", fields)

	p.replenish()
}

// replenish opens connections in the background until the pool is back at
// MinSize, also covering parked waiters while capacity remains.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	need := p.config.MinSize - p.totalLocked()
	if need < 0 {
		need = 0
	}
	if spare := p.config.MaxSize - p.totalLocked() - need; spare > 0 && len(p.waiters) > need {
		extra := len(p.waiters) - need
		if extra > spare {
			extra = spare
		}
		need += extra
	}
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.pending += need
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
			defer cancel()

			c, err := p.openConn(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.mu.Unlock()
				p.log.Error("replenish failed", logger.Fields(logger.FieldError, err.Error()))
				return
			}
			if p.closed {
				p.mu.Unlock()
				_ = c.raw.Close()
				return
			}
			p.conns[c.id] = c
			p.created++
			if w := p.popWaiterLocked(); w != nil {
				pc := p.borrowLocked(c)
				p.mu.Unlock()
				w.ch <- pc
				return
			}
			c.state = StateIdle
			p.idle = append(p.idle, c)
			p.mu.Unlock()
		}()
	}
}

// maintenanceLoop probes idle connections and retires stale ones.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runMaintenance(ctx)
		}
	}
}

// runMaintenance is one probe-and-retire pass over the idle set.
func (p *Pool) runMaintenance(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// Steal the idle list so acquirers cannot grab a connection mid-probe.
	candidates := p.idle
	p.idle = nil
	p.mu.Unlock()

	var keep []*conn
	for _, c := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.raw.Ping(probeCtx)
		cancel()

		p.mu.Lock()
		if err != nil {
			c.probeFailures++
			failures := c.probeFailures
			p.mu.Unlock()
			p.log.Warn("idle probe failed", logger.Fields(
				logger.FieldConnID, c.id, "failures", failures))
			if failures >= probeFailureLimit {
				p.quarantine(c, err)
				continue
			}
			keep = append(keep, c)
			continue
		}
		c.probeFailures = 0
		p.mu.Unlock()
		keep = append(keep, c)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range keep {
			_ = c.raw.Close()
		}
		return
	}

	// Retire connections idle beyond MaxIdleDuration, oldest first, never
	// dropping below MinSize.
	cutoff := time.Now().Add(-p.config.MaxIdleDuration)
	var retired []*conn
	for len(keep) > 0 && p.totalLocked()-len(retired) > p.config.MinSize {
		oldest := keep[0]
		if !oldest.lastUsedAt.Before(cutoff) {
			break
		}
		keep = keep[1:]
		oldest.state = StateClosed
		delete(p.conns, oldest.id)
		p.closedConns++
		retired = append(retired, oldest)
	}

	p.idle = append(p.idle, keep...)

	// An acquire arriving while the idle list was stolen for probing parks
	// as a waiter; hand survivors over instead of leaving them idle.
	var handoffWaiters []*waiter
	var handoffConns []*PooledConn
	for len(p.waiters) > 0 {
		c := p.popIdleLocked()
		if c == nil {
			break
		}
		w := p.popWaiterLocked()
		handoffWaiters = append(handoffWaiters, w)
		handoffConns = append(handoffConns, p.borrowLocked(c))
	}
	p.mu.Unlock()

	for i, w := range handoffWaiters {
		w.ch <- handoffConns[i]
	}

	for _, c := range retired {
		_ = c.raw.Close()
		p.log.Debug("idle connection retired", logger.Fields(logger.FieldConnID, c.id))
	}

	p.replenish()
}
