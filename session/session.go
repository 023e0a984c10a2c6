package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/conngate/backend"
	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/pool"
	"github.com/kbukum/conngate/resilience"
)

// Session is a request-scoped borrow of one pooled connection. It is
// created by Open and must be closed exactly once; Close is safe to
// call from any exit path and later calls are no-ops.
type Session struct {
	requestID string
	clientID  string
	operation string
	startTime time.Time

	pc      *pool.PooledConn
	pool    *pool.Pool
	breaker *resilience.CircuitBreaker
	log     *logger.Logger

	// onClose runs once after the connection is released.
	onClose func()
	// onRun observes every completed Run.
	onRun func(operation string, duration time.Duration, err error)

	mu        sync.Mutex
	errs      []error
	namespace string
	unhealthy bool

	closed atomic.Bool
}

// Open acquires a connection from the pool, guarded by the circuit
// breaker, and wraps it in a new Session. The breaker observes acquire
// failures the same way it observes backend call failures.
func Open(ctx context.Context, clientID, operation string, p *pool.Pool, cb *resilience.CircuitBreaker, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Nop()
	}

	var pc *pool.PooledConn
	acquire := func(ctx context.Context) error {
		var err error
		pc, err = p.Acquire(ctx)
		return err
	}
	var err error
	if cb != nil {
		err = cb.Execute(ctx, acquire)
	} else {
		err = acquire(ctx)
	}
	if err != nil {
		return nil, err
	}

	s := &Session{
		requestID: uuid.NewString(),
		clientID:  clientID,
		operation: operation,
		startTime: time.Now(),
		pc:        pc,
		pool:      p,
		breaker:   cb,
		log:       log.WithComponent("session"),
	}
	s.log.Debug("session opened", logger.Fields(
		logger.FieldRequestID, s.requestID,
		logger.FieldClientID, clientID,
		logger.FieldOperation, operation,
		logger.FieldConnID, pc.ID()))
	return s, nil
}

// RequestID returns the session's unique request identifier.
func (s *Session) RequestID() string { return s.requestID }

// ClientID returns the owning client's identifier.
func (s *Session) ClientID() string { return s.clientID }

// Operation returns the operation name the session was opened for.
func (s *Session) Operation() string { return s.operation }

// StartTime returns when the session was opened.
func (s *Session) StartTime() time.Time { return s.startTime }

// ConnID returns the borrowed connection's identifier.
func (s *Session) ConnID() string { return s.pc.ID() }

// SetNamespace sets a request-scoped namespace applied to operations
// that do not name one themselves. It never touches connection state.
func (s *Session) SetNamespace(ns string) {
	s.mu.Lock()
	s.namespace = ns
	s.mu.Unlock()
}

// Errors returns a copy of every error recorded during the session.
func (s *Session) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// Run executes one operation on the borrowed connection through the
// circuit breaker. A failure is classified as a BACKEND_ERROR carrying
// the untouched cause, recorded on the session and returned; the
// session stays usable and must still be closed by the caller.
func (s *Session) Run(ctx context.Context, op backend.Operation) (*backend.Result, error) {
	if s.closed.Load() {
		return nil, gateerrors.SessionClosed(s.requestID)
	}

	s.mu.Lock()
	if op.Namespace == "" && s.namespace != "" {
		op.Namespace = s.namespace
	}
	s.mu.Unlock()

	var res *backend.Result
	call := func(ctx context.Context) error {
		var err error
		res, err = s.pc.Backend().Execute(ctx, op)
		return err
	}
	start := time.Now()
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if _, ok := gateerrors.AsGateError(err); !ok {
			err = gateerrors.Backend(op.Name, err)
		}
		s.recordError(err)
	}
	if s.onRun != nil {
		s.onRun(op.Name, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MarkUnhealthy flags the borrowed connection so Close reports it bad
// regardless of the caller's health argument.
func (s *Session) MarkUnhealthy() {
	s.mu.Lock()
	s.unhealthy = true
	s.mu.Unlock()
}

// Close releases the borrowed connection back to the pool, reporting
// observed health. The first call wins; the connection is released
// exactly once no matter how many times or from how many paths Close
// runs.
func (s *Session) Close(healthy bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.unhealthy {
		healthy = false
	}
	errCount := len(s.errs)
	s.mu.Unlock()

	s.pool.Release(s.pc, healthy)
	s.log.Debug("session closed", logger.Fields(
		logger.FieldRequestID, s.requestID,
		logger.FieldConnID, s.pc.ID(),
		"healthy", healthy,
		"errors", errCount,
		logger.FieldDuration, time.Since(s.startTime).String()))

	if s.onClose != nil {
		s.onClose()
	}
}

// OnClose registers a hook invoked once, after release, on the first
// Close. It must be set before the session is shared across goroutines.
func (s *Session) OnClose(fn func()) { s.onClose = fn }

// OnRun registers a hook observing every Run's operation name, duration
// and outcome. Same sharing rule as OnClose.
func (s *Session) OnRun(fn func(operation string, duration time.Duration, err error)) {
	s.onRun = fn
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	if gateerrors.HasCode(err, gateerrors.ErrCodeConnectionUnhealthy) {
		s.unhealthy = true
	}
	s.mu.Unlock()
}
