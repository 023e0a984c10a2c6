package quota

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbukum/conngate/component"
	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/logger"
)

// Rule defines one named quota window.
type Rule struct {
	// Limit is the number of units allowed per window.
	Limit int64 `yaml:"limit" mapstructure:"limit" validate:"gt=0"`
	// ResetPeriod is the window length.
	ResetPeriod time.Duration `yaml:"reset_period" mapstructure:"reset_period" validate:"gt=0"`
}

// Limits bundles the admission settings applied to one client.
type Limits struct {
	// Rate is the token bucket refill rate in tokens per second.
	Rate float64 `yaml:"rate" mapstructure:"rate" validate:"gt=0"`
	// Burst is the token bucket capacity.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"gt=0"`
	// Quotas maps quota type to its rule.
	Quotas map[string]Rule `yaml:"quotas" mapstructure:"quotas"`
}

// Config configures the quota manager.
type Config struct {
	// Defaults apply to clients without an explicit override.
	Defaults Limits `yaml:"defaults" mapstructure:"defaults"`
	// Overrides replace Defaults wholesale for the named clients.
	Overrides map[string]Limits `yaml:"overrides" mapstructure:"overrides"`
	// IdleTTL evicts client state untouched for this long.
	IdleTTL time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`
	// CleanupInterval is the janitor sweep cadence.
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Defaults: Limits{
			Rate:  10,
			Burst: 20,
			Quotas: map[string]Rule{
				"requests_per_hour": {Limit: 1000, ResetPeriod: time.Hour},
			},
		},
		IdleTTL:         15 * time.Minute,
		CleanupInterval: 2 * time.Minute,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Defaults.Rate <= 0 {
		c.Defaults.Rate = d.Defaults.Rate
	}
	if c.Defaults.Burst <= 0 {
		c.Defaults.Burst = d.Defaults.Burst
	}
	if c.Defaults.Quotas == nil {
		c.Defaults.Quotas = d.Defaults.Quotas
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
}

// window is one live quota counter.
type window struct {
	rule    Rule
	used    int64
	resetAt time.Time
}

// clientState holds one client's limiter, quota windows, and activity.
type clientState struct {
	limiter  *rate.Limiter
	windows  map[string]*window
	lastSeen time.Time
}

// Manager tracks per-client admission state keyed by client id.
type Manager struct {
	config Config
	log    *logger.Logger

	mu      sync.Mutex
	clients map[string]*clientState
	closed  bool

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// Usage is a read-only snapshot of one client's quota state.
type Usage struct {
	ClientID string               `json:"client_id"`
	Tokens   float64              `json:"tokens"`
	Burst    int                  `json:"burst"`
	Quotas   map[string]QuotaView `json:"quotas"`
}

// QuotaView is one quota window in a Usage snapshot.
type QuotaView struct {
	Limit   int64     `json:"limit"`
	Used    int64     `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// New creates a quota manager. The janitor does not run until Start.
func New(cfg Config, log *logger.Logger) *Manager {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		config:  cfg,
		log:     log.WithComponent("quota"),
		clients: make(map[string]*clientState),
	}
}

// Name implements component.Component.
func (m *Manager) Name() string { return "quota" }

// Start launches the idle-client janitor. It implements
// component.Component.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return stderrors.New("quota: closed")
	}
	if m.janitorCancel != nil {
		return stderrors.New("quota: already started")
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	m.janitorCancel = cancel
	m.janitorDone = make(chan struct{})
	go m.janitor(janitorCtx)
	return nil
}

// Stop halts the janitor. It implements component.Component.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.janitorCancel
	done := m.janitorDone
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

// Health implements component.Component.
func (m *Manager) Health(ctx context.Context) component.Health {
	return component.Health{Name: m.Name(), Status: component.StatusHealthy}
}

// Admit consumes one token from the client's bucket. It fails closed
// with RATE_LIMITED when the bucket is empty and never blocks.
func (m *Manager) Admit(clientID string) error {
	m.mu.Lock()
	cs := m.stateLocked(clientID)
	m.mu.Unlock()

	if !cs.limiter.Allow() {
		return gateerrors.RateLimited(clientID)
	}
	return nil
}

// Consume applies amount against the named quota window, lazily
// resetting the window first when its period has elapsed. Quota types
// with no configured rule are unlimited.
func (m *Manager) Consume(clientID, quotaType string, amount int64) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.stateLocked(clientID)
	w, ok := cs.windows[quotaType]
	if !ok {
		return nil
	}

	// Reset exactly once per crossing of the window boundary.
	if !now.Before(w.resetAt) {
		w.used = 0
		w.resetAt = now.Add(w.rule.ResetPeriod)
	}

	if w.used+amount > w.rule.Limit {
		return gateerrors.QuotaExceeded(clientID, quotaType, w.rule.Limit, w.resetAt)
	}
	w.used += amount
	return nil
}

// ConsumeRequest charges one unit against every quota window the
// client has configured. The first exhausted window wins; windows
// already charged for this request are not rolled back, matching how
// fixed-window quotas account rejected requests.
func (m *Manager) ConsumeRequest(clientID string) error {
	m.mu.Lock()
	cs := m.stateLocked(clientID)
	names := make([]string, 0, len(cs.windows))
	for name := range cs.windows {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Consume(clientID, name, 1); err != nil {
			return err
		}
	}
	return nil
}

// Usage returns a snapshot of the client's current limiter and quota
// state. It creates the client if it does not exist yet.
func (m *Manager) Usage(clientID string) Usage {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.stateLocked(clientID)
	u := Usage{
		ClientID: clientID,
		Tokens:   cs.limiter.TokensAt(now),
		Burst:    cs.limiter.Burst(),
		Quotas:   make(map[string]QuotaView, len(cs.windows)),
	}
	for name, w := range cs.windows {
		used := w.used
		resetAt := w.resetAt
		if !now.Before(w.resetAt) {
			used = 0
			resetAt = now.Add(w.rule.ResetPeriod)
		}
		u.Quotas[name] = QuotaView{Limit: w.rule.Limit, Used: used, ResetAt: resetAt}
	}
	return u
}

// ActiveClients reports how many clients currently hold state.
func (m *Manager) ActiveClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// stateLocked returns the client's state, creating it from the
// configured defaults or override on first use.
func (m *Manager) stateLocked(clientID string) *clientState {
	now := time.Now()
	if cs, ok := m.clients[clientID]; ok {
		cs.lastSeen = now
		return cs
	}

	limits := m.config.Defaults
	if o, ok := m.config.Overrides[clientID]; ok {
		limits = o
	}
	cs := &clientState{
		limiter:  rate.NewLimiter(rate.Limit(limits.Rate), limits.Burst),
		windows:  make(map[string]*window, len(limits.Quotas)),
		lastSeen: now,
	}
	for name, rule := range limits.Quotas {
		cs.windows[name] = &window{rule: rule, resetAt: now.Add(rule.ResetPeriod)}
	}
	m.clients[clientID] = cs
	return cs
}

// janitor evicts clients untouched for longer than IdleTTL.
func (m *Manager) janitor(ctx context.Context) {
	defer close(m.janitorDone)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.config.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cs := range m.clients {
		if cs.lastSeen.Before(cutoff) {
			delete(m.clients, id)
		}
	}
}
