package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	gateerrors "github.com/kbukum/conngate/errors"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows calls to pass through.
	StateClosed State = iota
	// StateOpen rejects all calls without touching the backend.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls test recovery.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in errors, logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// ErrorRateThreshold trips the breaker when the rolling error rate
	// reaches this fraction (0..1], once MinSamples calls are recorded.
	ErrorRateThreshold float64
	// MinSamples gates rate-based tripping until the window holds enough
	// calls to be meaningful.
	MinSamples int
	// WindowSize is the capacity of the rolling outcome window.
	WindowSize int
	// RecoveryTimeout is how long after the last failure an open breaker
	// waits before letting a probe through.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int
	// CallTimeout bounds each call; a timeout counts as a failure.
	// Zero means calls are bounded only by the caller's context.
	CallTimeout time.Duration
	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:               name,
		FailureThreshold:   5,
		ErrorRateThreshold: 0.5,
		MinSamples:         10,
		WindowSize:         100,
		RecoveryTimeout:    30 * time.Second,
		SuccessThreshold:   2,
		CallTimeout:        10 * time.Second,
	}
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// callOutcome is one entry in the rolling window.
type callOutcome struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// CircuitBreaker protects the backend behind a state machine:
//
//	closed -> open        consecutive failures or windowed error rate
//	open -> half_open     recovery timeout elapsed since last failure
//	half_open -> closed   SuccessThreshold consecutive successes
//	half_open -> open     any single failure
type CircuitBreaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           State
	failures        int // consecutive
	successes       int // consecutive, half-open only
	halfOpenCalls   int // probes in flight or completed this half-open phase
	lastFailureTime time.Time
	stateChangedAt  time.Time

	window []callOutcome // ring buffer
	head   int
	count  int
}

// Snapshot is a point-in-time view of breaker state for introspection.
type Snapshot struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailureTime      time.Time     `json:"last_failure_time"`
	StateChangedAt       time.Time     `json:"state_changed_at"`
	WindowSamples        int           `json:"window_samples"`
	WindowErrorRate      float64       `json:"window_error_rate"`
	WindowAvgDuration    time.Duration `json:"window_avg_duration"`
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
		window:         make([]callOutcome, config.WindowSize),
	}
}

// Execute runs fn through the breaker, bounded by CallTimeout. While the
// breaker is open it fails immediately with a CIRCUIT_OPEN gate error.
// The error returned by fn passes through unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return gateerrors.CircuitOpen(cb.config.Name)
	}

	callCtx := ctx
	if cb.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	elapsed := time.Since(start)

	// A breaker-imposed timeout surfaces as DeadlineExceeded on the call
	// context while the caller's own context is still live.
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	cb.recordResult(err == nil || !countsAsFailure(err), elapsed)
	return err
}

// countsAsFailure classifies an error for breaker accounting. The caller
// abandoning the request is not evidence against the backend.
func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// State returns the current breaker state, applying the open -> half_open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked(time.Now())
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Snapshot returns a point-in-time view for health reporting.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentStateLocked(time.Now())
	samples, failures, totalDur := cb.windowStatsLocked()

	snap := Snapshot{
		Name:                 cb.config.Name,
		State:                state.String(),
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		LastFailureTime:      cb.lastFailureTime,
		StateChangedAt:       cb.stateChangedAt,
		WindowSamples:        samples,
	}
	if samples > 0 {
		snap.WindowErrorRate = float64(failures) / float64(samples)
		snap.WindowAvgDuration = totalDur / time.Duration(samples)
	}
	return snap
}

// Reset forces the breaker back to closed and clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toStateLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
	cb.head = 0
	cb.count = 0
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked(time.Now()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.SuccessThreshold {
			cb.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(success bool, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.pushOutcomeLocked(callOutcome{at: now, success: success, duration: duration})

	if success {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked(now)
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
		// A success can be the outcome that pushes the window past
		// MinSamples with the error rate already over the threshold.
		if cb.rateTrippedLocked() {
			cb.toStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.toStateLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked(now time.Time) {
	cb.failures++
	cb.lastFailureTime = now

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold || cb.rateTrippedLocked() {
			cb.toStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.toStateLocked(StateOpen)
	}
}

// rateTrippedLocked reports whether the rolling error rate justifies a trip.
func (cb *CircuitBreaker) rateTrippedLocked() bool {
	samples, failures, _ := cb.windowStatsLocked()
	if samples < cb.config.MinSamples {
		return false
	}
	return float64(failures)/float64(samples) >= cb.config.ErrorRateThreshold
}

func (cb *CircuitBreaker) currentStateLocked(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.toStateLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) toStateLocked(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.stateChangedAt = time.Now()

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenCalls = 0
	case StateHalfOpen, StateOpen:
		cb.successes = 0
		cb.halfOpenCalls = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) pushOutcomeLocked(o callOutcome) {
	cb.window[cb.head] = o
	cb.head = (cb.head + 1) % len(cb.window)
	if cb.count < len(cb.window) {
		cb.count++
	}
}

func (cb *CircuitBreaker) windowStatsLocked() (samples, failures int, totalDur time.Duration) {
	for i := 0; i < cb.count; i++ {
		o := cb.window[(cb.head-1-i+len(cb.window)*2)%len(cb.window)]
		samples++
		if !o.success {
			failures++
		}
		totalDur += o.duration
	}
	return samples, failures, totalDur
}
