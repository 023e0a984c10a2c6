package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/kbukum/conngate/logger"
	"github.com/kbukum/conngate/version"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// ServiceName is the name of the service.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version"`
	// Environment is the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment" mapstructure:"environment"`
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// Insecure allows insecure connections (for development).
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`
	// Interval is the metric export interval.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, config *MeterConfig, log *logger.Logger) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		attribute.String("environment", config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	if log != nil {
		log.Info("meter initialized", logger.Fields(
			"service", config.ServiceName,
			"endpoint", config.Endpoint,
			"interval", config.Interval.String(),
		))
	}

	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	admissionTotal  metric.Int64Counter
	rejectionTotal  metric.Int64Counter
	sessionActive   metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
	backendTotal    metric.Int64Counter
	backendDuration metric.Float64Histogram
	breakerChanges  metric.Int64Counter
	poolInUse       metric.Int64UpDownCounter
	queueDepth      metric.Int64UpDownCounter
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	admissionTotal, err := meter.Int64Counter("gate.admission.total",
		metric.WithDescription("Requests admitted through the full chain"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.admission.total counter: %w", err)
	}

	rejectionTotal, err := meter.Int64Counter("gate.rejection.total",
		metric.WithDescription("Requests rejected, by stage and error code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.rejection.total counter: %w", err)
	}

	sessionActive, err := meter.Int64UpDownCounter("gate.session.active",
		metric.WithDescription("Sessions currently holding a connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.session.active gauge: %w", err)
	}

	sessionDuration, err := meter.Float64Histogram("gate.session.duration",
		metric.WithDescription("Session lifetime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.session.duration histogram: %w", err)
	}

	backendTotal, err := meter.Int64Counter("gate.backend.total",
		metric.WithDescription("Backend operations, by name and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.backend.total counter: %w", err)
	}

	backendDuration, err := meter.Float64Histogram("gate.backend.duration",
		metric.WithDescription("Backend operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.backend.duration histogram: %w", err)
	}

	breakerChanges, err := meter.Int64Counter("gate.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.breaker.transitions counter: %w", err)
	}

	poolInUse, err := meter.Int64UpDownCounter("gate.pool.in_use",
		metric.WithDescription("Pooled connections currently borrowed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.pool.in_use gauge: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter("gate.queue.depth",
		metric.WithDescription("Requests waiting for scheduler admission"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gate.queue.depth gauge: %w", err)
	}

	return &Metrics{
		admissionTotal:  admissionTotal,
		rejectionTotal:  rejectionTotal,
		sessionActive:   sessionActive,
		sessionDuration: sessionDuration,
		backendTotal:    backendTotal,
		backendDuration: backendDuration,
		breakerChanges:  breakerChanges,
		poolInUse:       poolInUse,
		queueDepth:      queueDepth,
	}, nil
}

// RecordAdmission counts a request admitted through the full chain.
func (m *Metrics) RecordAdmission(ctx context.Context, clientID string) {
	m.admissionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRejection counts a rejected request by stage and error code.
func (m *Metrics) RecordRejection(ctx context.Context, clientID, stage, code string) {
	m.rejectionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("stage", stage),
		attribute.String("code", code),
	))
}

// RecordSessionStart marks a session as holding a connection.
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.sessionActive.Add(ctx, 1)
	m.poolInUse.Add(ctx, 1)
}

// RecordSessionEnd records a completed session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, clientID, operation string, duration time.Duration) {
	m.sessionActive.Add(ctx, -1)
	m.poolInUse.Add(ctx, -1)
	m.sessionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("operation", operation),
	))
}

// RecordBackendCall records one backend operation execution.
func (m *Metrics) RecordBackendCall(ctx context.Context, operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.backendTotal.Add(ctx, 1, attrs)
	m.backendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordBreakerTransition records a circuit state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordQueueEnter marks a request entering the scheduler queue.
func (m *Metrics) RecordQueueEnter(ctx context.Context) {
	m.queueDepth.Add(ctx, 1)
}

// RecordQueueLeave marks a request leaving the scheduler queue.
func (m *Metrics) RecordQueueLeave(ctx context.Context) {
	m.queueDepth.Add(ctx, -1)
}
