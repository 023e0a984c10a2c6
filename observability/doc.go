// Package observability wires OpenTelemetry metrics for the gateway:
// meter provider initialization with OTLP export, and the instrument
// set recording admissions, rejections, backend calls, breaker state
// transitions and pool occupancy.
package observability
