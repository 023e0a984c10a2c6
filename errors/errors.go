package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// GateError is the structured error returned by every conngate component.
type GateError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried by the caller.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *GateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *GateError) Unwrap() error { return e.Cause }

// Is matches two gate errors by code, so sentinel-style comparison with
// errors.Is works across instances carrying different details.
func (e *GateError) Is(target error) bool {
	var ge *GateError
	if !stderrors.As(target, &ge) {
		return false
	}
	return e.Code == ge.Code
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *GateError) WithDetail(key string, value any) *GateError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a GateError with automatic retryable classification.
func New(code ErrorCode, message string) *GateError {
	return &GateError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// AsGateError unwraps err into a *GateError if possible.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	ge, ok := AsGateError(err)
	return ok && ge.Code == code
}

// --- Constructors, one per taxonomy entry ---

// PoolExhausted reports that the pool is at capacity and cannot wait.
func PoolExhausted(total, maxSize int) *GateError {
	return New(ErrCodePoolExhausted, "connection pool exhausted").
		WithDetail("total", total).
		WithDetail("max_size", maxSize)
}

// AcquireTimeout reports that no connection freed up within the timeout.
func AcquireTimeout(timeout time.Duration) *GateError {
	return New(ErrCodeAcquireTimeout,
		fmt.Sprintf("no connection available within %s", timeout)).
		WithDetail("timeout", timeout.String())
}

// PoolClosed reports an acquire against a closed pool.
func PoolClosed() *GateError {
	return New(ErrCodePoolClosed, "connection pool is closed")
}

// QueueFull reports that the scheduler queue is at capacity.
func QueueFull(depth, maxQueue int) *GateError {
	return New(ErrCodeQueueFull, "scheduler queue is full").
		WithDetail("depth", depth).
		WithDetail("max_queue_size", maxQueue)
}

// QueueTimeout reports that a queued request expired before admission.
func QueueTimeout(clientID string, waited time.Duration) *GateError {
	return New(ErrCodeQueueTimeout,
		fmt.Sprintf("request not admitted within %s", waited)).
		WithDetail("client_id", clientID)
}

// CircuitOpen reports a fail-fast rejection by the circuit breaker.
func CircuitOpen(name string) *GateError {
	return New(ErrCodeCircuitOpen,
		fmt.Sprintf("circuit %q is open, backend presumed unhealthy", name)).
		WithDetail("circuit", name)
}

// RateLimited reports an empty token bucket for the client.
func RateLimited(clientID string) *GateError {
	return New(ErrCodeRateLimited, "client rate limit exceeded").
		WithDetail("client_id", clientID)
}

// QuotaExceeded reports a spent quota window, naming the violated quota.
func QuotaExceeded(clientID, quotaType string, limit int64, resetAt time.Time) *GateError {
	return New(ErrCodeQuotaExceeded,
		fmt.Sprintf("quota %q exceeded", quotaType)).
		WithDetail("client_id", clientID).
		WithDetail("quota_type", quotaType).
		WithDetail("limit", limit).
		WithDetail("reset_at", resetAt.UTC().Format(time.RFC3339))
}

// Backend wraps a backend operation failure. The cause unwraps unchanged.
func Backend(operation string, cause error) *GateError {
	e := New(ErrCodeBackendError, fmt.Sprintf("operation %q failed", operation))
	e.Cause = cause
	return e.WithDetail("operation", operation)
}

// ConnectionUnhealthy reports a connection that failed validation.
func ConnectionUnhealthy(connID string, cause error) *GateError {
	e := New(ErrCodeConnectionUnhealthy, "connection failed health validation")
	e.Cause = cause
	return e.WithDetail("connection_id", connID)
}

// SessionClosed reports use of a session after release.
func SessionClosed(requestID string) *GateError {
	return New(ErrCodeSessionClosed, "session already released").
		WithDetail("request_id", requestID)
}
