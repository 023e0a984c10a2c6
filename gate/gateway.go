package gate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/conngate/backend"
	"github.com/kbukum/conngate/component"
	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/health"
	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/observability"
	"github.com/kbukum/conngate/pool"
	"github.com/kbukum/conngate/quota"
	"github.com/kbukum/conngate/resilience"
	"github.com/kbukum/conngate/scheduler"
	"github.com/kbukum/conngate/session"
	"github.com/kbukum/conngate/version"
)

// Gateway owns the full admission chain and the lifecycle of its parts.
type Gateway struct {
	config Config
	log    *logger.Logger

	pool      *pool.Pool
	breaker   *resilience.CircuitBreaker
	scheduler *scheduler.Scheduler
	quota     *quota.Manager
	monitor   *health.Monitor
	registry  *component.Registry
	metrics   *observability.Metrics
}

// Option customizes gateway construction.
type Option func(*options)

type options struct {
	log     *logger.Logger
	metrics *observability.Metrics
}

// WithLogger sets the gateway logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics attaches a metric instrument set.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a gateway from config and a backend connector. Nothing
// runs until Start.
func New(cfg Config, connector backend.Connector, opts ...Option) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewDefault(cfg.Name)
	}

	g := &Gateway{
		config:  cfg,
		log:     o.log.WithComponent("gateway"),
		metrics: o.metrics,
	}

	g.pool = pool.New(cfg.Pool, connector, o.log)
	g.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:               "backend",
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
		MinSamples:         cfg.Breaker.MinSamples,
		WindowSize:         cfg.Breaker.WindowSize,
		RecoveryTimeout:    cfg.Breaker.RecoveryTimeout,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		CallTimeout:        cfg.Breaker.CallTimeout,
		OnStateChange:      g.onBreakerChange,
	})
	g.scheduler = scheduler.New(cfg.Scheduler, o.log)
	g.quota = quota.New(cfg.Quota, o.log)
	g.monitor = health.New(cfg.Health, health.Sources{
		PoolStats:  g.pool.Stats,
		Breakers:   g.breakerSnapshots,
		QueueDepth: g.queueDepth,
		Probe:      g.probe,
	}, o.log)

	g.registry = component.NewRegistry(o.log)
	for _, c := range []component.Component{g.pool, g.quota, g.scheduler, g.monitor} {
		if err := g.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Start brings up every component in dependency order.
func (g *Gateway) Start(ctx context.Context) error {
	g.log.Info("gateway starting", logger.Fields(
		"version", version.Short(),
		"pool_min", g.config.Pool.MinSize,
		"pool_max", g.config.Pool.MaxSize,
		"max_concurrent", g.config.Scheduler.MaxConcurrent))
	return g.registry.StartAll(ctx)
}

// Stop shuts down every started component in reverse order.
func (g *Gateway) Stop(ctx context.Context) error {
	g.log.Info("gateway stopping")
	return g.registry.StopAll(ctx)
}

// WithSession runs the full admission chain for one request and
// returns a session holding a borrowed connection. On any rejection,
// every stage acquired so far is released before the error is
// returned. The caller must Close the session on every exit path.
func (g *Gateway) WithSession(ctx context.Context, clientID, operation string, priority int) (*session.Session, error) {
	requestID := uuid.NewString()

	if err := g.quota.Admit(clientID); err != nil {
		g.reject(ctx, clientID, "rate_limiter", err)
		return nil, err
	}
	if err := g.quota.ConsumeRequest(clientID); err != nil {
		g.reject(ctx, clientID, "quota", err)
		return nil, err
	}

	ticket, err := g.scheduler.Enqueue(requestID, clientID, priority, 1)
	if err != nil {
		g.reject(ctx, clientID, "scheduler", err)
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RecordQueueEnter(ctx)
	}
	err = g.scheduler.Await(ctx, ticket)
	if g.metrics != nil {
		g.metrics.RecordQueueLeave(ctx)
	}
	if err != nil {
		g.reject(ctx, clientID, "scheduler", err)
		return nil, err
	}

	s, err := session.Open(ctx, clientID, operation, g.pool, g.breaker, g.log)
	if err != nil {
		g.scheduler.Release(ticket)
		g.reject(ctx, clientID, "pool", err)
		return nil, err
	}

	start := s.StartTime()
	s.OnClose(func() {
		g.scheduler.Release(ticket)
		if g.metrics != nil {
			g.metrics.RecordSessionEnd(context.Background(), clientID, operation, time.Since(start))
		}
	})
	if g.metrics != nil {
		g.metrics.RecordSessionStart(ctx)
		g.metrics.RecordAdmission(ctx, clientID)
		s.OnRun(func(op string, d time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			g.metrics.RecordBackendCall(context.Background(), op, status, d)
		})
	}
	return s, nil
}

// Health returns the latest health sample, taking one on demand if the
// sampler has not produced any yet.
func (g *Gateway) Health(ctx context.Context) health.Snapshot {
	if snap, ok := g.monitor.Latest(); ok {
		return snap
	}
	return g.monitor.Sample(ctx)
}

// HealthHistory returns retained health samples taken at or after
// since, oldest first.
func (g *Gateway) HealthHistory(since time.Time) []health.Snapshot {
	return g.monitor.HistorySince(since)
}

// PoolStats returns a snapshot of the connection pool.
func (g *Gateway) PoolStats() pool.Stats { return g.pool.Stats() }

// SchedulerStats returns a snapshot of the fair scheduler.
func (g *Gateway) SchedulerStats() scheduler.Stats { return g.scheduler.Stats() }

// CircuitStatus returns a snapshot of the backend circuit breaker.
func (g *Gateway) CircuitStatus() resilience.Snapshot { return g.breaker.Snapshot() }

// ClientQuotaUsage returns the named client's limiter and quota state.
func (g *Gateway) ClientQuotaUsage(clientID string) quota.Usage {
	return g.quota.Usage(clientID)
}

// Components returns per-component health in start order.
func (g *Gateway) Components(ctx context.Context) []component.Health {
	return g.registry.HealthAll(ctx)
}

func (g *Gateway) reject(ctx context.Context, clientID, stage string, err error) {
	code := "INTERNAL"
	if ge, ok := gateerrors.AsGateError(err); ok {
		code = string(ge.Code)
	}
	g.log.Debug("request rejected", logger.Fields(
		logger.FieldClientID, clientID,
		"stage", stage,
		logger.FieldError, err.Error()))
	if g.metrics != nil {
		g.metrics.RecordRejection(ctx, clientID, stage, code)
	}
}

func (g *Gateway) onBreakerChange(name string, from, to resilience.State) {
	g.log.Warn("circuit state changed", logger.Fields(
		logger.FieldCircuit, name,
		"from", from.String(),
		"to", to.String()))
	if g.metrics != nil {
		g.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
}

func (g *Gateway) breakerSnapshots() []resilience.Snapshot {
	return []resilience.Snapshot{g.breaker.Snapshot()}
}

func (g *Gateway) queueDepth() int {
	return g.scheduler.Stats().QueueDepth
}

// probe runs a lightweight end-to-end check: borrow a connection and
// ping the backend. It bypasses quotas and scheduling so monitoring
// never competes with client traffic for admission.
func (g *Gateway) probe(ctx context.Context) error {
	pc, err := g.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = pc.Backend().Ping(ctx)
	g.pool.Release(pc, err == nil)
	return err
}
