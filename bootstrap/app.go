package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/conngate/backend"
	"github.com/kbukum/conngate/gate"
	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/observability"
	"github.com/kbukum/conngate/version"
)

// Hook runs at a lifecycle boundary.
type Hook func(ctx context.Context) error

// App wires a Gateway into a runnable process.
type App struct {
	Config  gate.Config
	Gateway *gate.Gateway
	Logger  *logger.Logger

	meterProvider   *sdkmetric.MeterProvider
	gracefulTimeout time.Duration

	onReady []Hook
	onStop  []Hook
}

// Option customizes app construction.
type Option func(*appOptions)

type appOptions struct {
	log             *logger.Logger
	gracefulTimeout time.Duration
	meterConfig     *observability.MeterConfig
}

// WithLogger uses the given logger instead of building one from config.
func WithLogger(log *logger.Logger) Option {
	return func(o *appOptions) { o.log = log }
}

// WithGracefulTimeout bounds shutdown.
func WithGracefulTimeout(d time.Duration) Option {
	return func(o *appOptions) { o.gracefulTimeout = d }
}

// WithMetrics enables OTLP metric export with the given settings.
func WithMetrics(mc observability.MeterConfig) Option {
	return func(o *appOptions) { o.meterConfig = &mc }
}

// New builds an app from a validated config and a backend connector.
func New(cfg gate.Config, connector backend.Connector, opts ...Option) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	o := appOptions{gracefulTimeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		log = logger.New(cfg.Logging, cfg.Name)
		logger.SetGlobal(log)
	}

	app := &App{
		Config:          cfg,
		Logger:          log,
		gracefulTimeout: o.gracefulTimeout,
	}

	gatewayOpts := []gate.Option{gate.WithLogger(log)}
	if o.meterConfig != nil {
		mp, err := observability.InitMeter(context.Background(), o.meterConfig, log)
		if err != nil {
			return nil, fmt.Errorf("initializing meter: %w", err)
		}
		app.meterProvider = mp

		metrics, err := observability.NewMetrics(observability.Meter(cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
		gatewayOpts = append(gatewayOpts, gate.WithMetrics(metrics))
	}

	gw, err := gate.New(cfg, connector, gatewayOpts...)
	if err != nil {
		return nil, err
	}
	app.Gateway = gw
	return app, nil
}

// OnReady registers a hook to run once the gateway has started.
func (a *App) OnReady(fn Hook) { a.onReady = append(a.onReady, fn) }

// OnStop registers a hook to run before shutdown begins.
func (a *App) OnStop(fn Hook) { a.onStop = append(a.onStop, fn) }

// Run starts the gateway, blocks until an interrupt or termination
// signal (or ctx cancellation), then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.Logger.Info("starting", logger.Fields(
		"name", a.Config.Name,
		"version", version.Short(),
		"environment", a.Config.Environment))

	if err := a.Gateway.Start(ctx); err != nil {
		return fmt.Errorf("gateway start: %w", err)
	}
	for _, fn := range a.onReady {
		if err := fn(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("onReady hook: %w", err)
		}
	}

	a.waitForSignal(ctx)
	return a.shutdown()
}

func (a *App) waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.Logger.Info("shutdown signal received", logger.Fields("signal", sig.String()))
	case <-ctx.Done():
		a.Logger.Info("context canceled, shutting down")
	}
}

// Shutdown stops the gateway without waiting for a signal. Use when
// managing the lifecycle externally.
func (a *App) Shutdown() error { return a.shutdown() }

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.gracefulTimeout)
	defer cancel()

	var firstErr error
	for _, fn := range a.onStop {
		if err := fn(ctx); err != nil {
			a.Logger.Error("onStop hook failed", logger.Fields(logger.FieldError, err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.Gateway.Stop(ctx); err != nil {
		a.Logger.Error("gateway stop failed", logger.Fields(logger.FieldError, err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("meter shutdown failed", logger.Fields(logger.FieldError, err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	a.Logger.Info("shutdown complete")
	return firstErr
}
