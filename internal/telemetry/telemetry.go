// Package telemetry installs a no-op OpenTelemetry tracer provider at
// startup so every component can call otel.Tracer(name) unconditionally.
// Swapping in a real exporter later only touches Setup.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Setup installs the global tracer and meter providers and returns a
// shutdown func. Both are no-op until a concrete exporter is configured;
// the seam lets C4, C7, and C10 instrument themselves unconditionally.
func Setup(serviceName string) (shutdown func(context.Context) error) {
	otel.SetTracerProvider(nooptrace.NewTracerProvider())
	otel.SetMeterProvider(noopmetric.NewMeterProvider())
	return func(context.Context) error { return nil }
}

// Tracer returns the named tracer from the globally installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns the named meter from the globally installed provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
