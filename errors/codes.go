package errors

// ErrorCode is a machine-readable error code.
type ErrorCode string

// Capacity errors: the pool could not hand out a connection.
const (
	// ErrCodePoolExhausted indicates the pool is at max size with no idle
	// connections and no waiting allowed.
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	// ErrCodeAcquireTimeout indicates no connection became available within
	// the acquire timeout.
	ErrCodeAcquireTimeout ErrorCode = "ACQUIRE_TIMEOUT"
	// ErrCodePoolClosed indicates the pool has been shut down.
	ErrCodePoolClosed ErrorCode = "POOL_CLOSED"
)

// Fairness errors: the scheduler refused or abandoned the request.
const (
	// ErrCodeQueueFull indicates the global scheduler queue is at capacity.
	ErrCodeQueueFull ErrorCode = "QUEUE_FULL"
	// ErrCodeQueueTimeout indicates a queued request expired before admission.
	ErrCodeQueueTimeout ErrorCode = "QUEUE_TIMEOUT"
)

// Protection errors: the backend is presumed unhealthy or the client is
// throttled.
const (
	// ErrCodeCircuitOpen indicates the circuit breaker is rejecting calls.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeRateLimited indicates the client's token bucket is empty.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCodeQuotaExceeded indicates a named quota window is spent.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
)

// Execution errors.
const (
	// ErrCodeBackendError indicates the backend operation itself failed.
	// The cause is passed through unmodified.
	ErrCodeBackendError ErrorCode = "BACKEND_ERROR"
	// ErrCodeConnectionUnhealthy indicates a connection failed validation.
	// Surfaced only once internal replacement retries are exhausted.
	ErrCodeConnectionUnhealthy ErrorCode = "CONNECTION_UNHEALTHY"
	// ErrCodeSessionClosed indicates an operation ran on a released session.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodePoolExhausted:       true,
	ErrCodeAcquireTimeout:      true,
	ErrCodeQueueFull:           true,
	ErrCodeQueueTimeout:        true,
	ErrCodeCircuitOpen:         true,
	ErrCodeRateLimited:         true,
	ErrCodeConnectionUnhealthy: true,
}

// IsRetryableCode reports whether a later attempt with the same arguments
// can reasonably succeed. Quota exhaustion is not retryable until the
// window resets.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
