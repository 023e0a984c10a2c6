package health

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/kbukum/conngate/component"
	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/pool"
	"github.com/kbukum/conngate/resilience"
)

// Status classifies the sampled state of the whole system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	// StatusSlow means the system is functionally healthy but the probe
	// latency crossed the slow threshold.
	StatusSlow Status = "slow"
)

// Config configures the health monitor.
type Config struct {
	// SampleInterval is the cadence of the sampler.
	SampleInterval time.Duration `yaml:"sample_interval" mapstructure:"sample_interval"`
	// HistorySize bounds the retained snapshot history.
	HistorySize int `yaml:"history_size" mapstructure:"history_size"`
	// ProbeTimeout bounds the end-to-end probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	// DegradedRatio is the healthy-connection ratio below which the
	// system is degraded.
	DegradedRatio float64 `yaml:"degraded_ratio" mapstructure:"degraded_ratio"`
	// CriticalRatio is the healthy-connection ratio below which the
	// system is critical.
	CriticalRatio float64 `yaml:"critical_ratio" mapstructure:"critical_ratio"`
	// SlowLatency marks the probe latency above which a healthy system
	// is reported slow.
	SlowLatency time.Duration `yaml:"slow_latency" mapstructure:"slow_latency"`
	// ErrorRateWindow is how many recent probes feed the rolling error
	// rate.
	ErrorRateWindow int `yaml:"error_rate_window" mapstructure:"error_rate_window"`
}

// DefaultConfig returns sensible defaults. The default history covers
// 24 hours at the default sample granularity.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  30 * time.Second,
		HistorySize:     2880,
		ProbeTimeout:    5 * time.Second,
		DegradedRatio:   0.7,
		CriticalRatio:   0.3,
		SlowLatency:     time.Second,
		ErrorRateWindow: 20,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = d.DegradedRatio
	}
	if c.CriticalRatio <= 0 {
		c.CriticalRatio = d.CriticalRatio
	}
	if c.SlowLatency <= 0 {
		c.SlowLatency = d.SlowLatency
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = d.ErrorRateWindow
	}
}

// Sources supplies the monitor with read-only views of the components
// it observes. Probe runs a lightweight end-to-end request; nil fields
// are skipped.
type Sources struct {
	PoolStats  func() pool.Stats
	Breakers   func() []resilience.Snapshot
	QueueDepth func() int
	Probe      func(ctx context.Context) error
}

// Snapshot is one point-in-time health sample.
type Snapshot struct {
	Timestamp    time.Time             `json:"timestamp"`
	Status       Status                `json:"status"`
	Pool         pool.Stats            `json:"pool"`
	Breakers     []resilience.Snapshot `json:"breakers"`
	QueueDepth   int                   `json:"queue_depth"`
	ErrorRate    float64               `json:"error_rate"`
	ProbeLatency time.Duration         `json:"probe_latency"`
	ProbeError   string                `json:"probe_error,omitempty"`
}

// Monitor samples system state on a fixed interval.
type Monitor struct {
	config  Config
	sources Sources
	log     *logger.Logger

	mu      sync.Mutex
	history []Snapshot // ring, oldest at head
	head    int
	count   int
	probes  []bool // probe outcome ring for the rolling error rate
	probeAt int
	probeN  int
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. Sampling does not start until Start.
func New(cfg Config, sources Sources, log *logger.Logger) *Monitor {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		config:  cfg,
		sources: sources,
		log:     log.WithComponent("health"),
		history: make([]Snapshot, cfg.HistorySize),
		probes:  make([]bool, cfg.ErrorRateWindow),
	}
}

// Name implements component.Component.
func (m *Monitor) Name() string { return "health" }

// Start launches the sampler. It implements component.Component.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return stderrors.New("health: closed")
	}
	if m.cancel != nil {
		return stderrors.New("health: already started")
	}

	sampleCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sampleLoop(sampleCtx)
	return nil
}

// Stop halts the sampler. It implements component.Component.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Health implements component.Component, mapping the latest sample onto
// the component status scale.
func (m *Monitor) Health(ctx context.Context) component.Health {
	h := component.Health{Name: m.Name(), Status: component.StatusHealthy}
	latest, ok := m.Latest()
	if !ok {
		h.Message = "no samples yet"
		return h
	}
	switch latest.Status {
	case StatusCritical:
		h.Status = component.StatusUnhealthy
	case StatusDegraded, StatusSlow:
		h.Status = component.StatusDegraded
	}
	h.Message = string(latest.Status)
	return h
}

// Sample takes one snapshot immediately, records it in the history, and
// returns it.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	if m.sources.PoolStats != nil {
		snap.Pool = m.sources.PoolStats()
	}
	if m.sources.Breakers != nil {
		snap.Breakers = m.sources.Breakers()
	}
	if m.sources.QueueDepth != nil {
		snap.QueueDepth = m.sources.QueueDepth()
	}

	if m.sources.Probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		start := time.Now()
		err := m.sources.Probe(probeCtx)
		cancel()
		snap.ProbeLatency = time.Since(start)
		if err != nil {
			snap.ProbeError = err.Error()
		}
		m.recordProbe(err == nil)
	}

	snap.ErrorRate = m.errorRate()
	snap.Status = m.classify(snap)

	m.mu.Lock()
	m.history[(m.head+m.count)%len(m.history)] = snap
	if m.count < len(m.history) {
		m.count++
	} else {
		m.head = (m.head + 1) % len(m.history)
	}
	m.mu.Unlock()

	if snap.Status != StatusHealthy {
		m.log.Warn("health sample", logger.Fields(
			"status", string(snap.Status),
			"error_rate", snap.ErrorRate,
			logger.FieldQueueDepth, snap.QueueDepth))
	}
	return snap
}

// Latest returns the most recent snapshot, if any.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return Snapshot{}, false
	}
	return m.history[(m.head+m.count-1)%len(m.history)], true
}

// History returns the retained snapshots in time order, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, m.count)
	for i := 0; i < m.count; i++ {
		out[i] = m.history[(m.head+i)%len(m.history)]
	}
	return out
}

// HistorySince returns the retained snapshots taken at or after the
// given time, oldest first.
func (m *Monitor) HistorySince(since time.Time) []Snapshot {
	all := m.History()
	for i, snap := range all {
		if !snap.Timestamp.Before(since) {
			return all[i:]
		}
	}
	return nil
}

// classify applies the fixed thresholds to one sample.
func (m *Monitor) classify(snap Snapshot) Status {
	if snap.Pool.Total > 0 {
		// In-use and idle connections both count as healthy; only the
		// not-yet-replaced remainder does not.
		ratio := float64(snap.Pool.Idle+snap.Pool.InUse) / float64(snap.Pool.Total)
		if ratio < m.config.CriticalRatio {
			return StatusCritical
		}
		if ratio < m.config.DegradedRatio {
			return StatusDegraded
		}
	}
	for _, b := range snap.Breakers {
		if b.State == resilience.StateOpen.String() {
			return StatusDegraded
		}
	}
	if snap.ProbeError != "" {
		return StatusDegraded
	}
	if m.sources.Probe != nil && snap.ProbeLatency > m.config.SlowLatency {
		return StatusSlow
	}
	return StatusHealthy
}

func (m *Monitor) recordProbe(ok bool) {
	m.mu.Lock()
	m.probes[m.probeAt] = ok
	m.probeAt = (m.probeAt + 1) % len(m.probes)
	if m.probeN < len(m.probes) {
		m.probeN++
	}
	m.mu.Unlock()
}

func (m *Monitor) errorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probeN == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < m.probeN; i++ {
		if !m.probes[i] {
			failures++
		}
	}
	return float64(failures) / float64(m.probeN)
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}
