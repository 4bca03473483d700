// internal/telemetry/tracer.go
// Package telemetry wires the OpenTelemetry trace pipeline for the query DOI
// service. The service identity lives here: handlers and the minting pipeline
// start their spans through Tracer(), so every span carries the same resource
// attributes regardless of where it was opened.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies the service in every span it emits.
const ServiceName = "query-doi-service"

// serviceVersion is the trace schema version of the service.
const serviceVersion = "1.0.0"

var tracerProvider *sdktrace.TracerProvider

// Tracer returns the tracer all request handlers and the mint pipeline open
// their spans from. Safe to call before InitTracer; spans are then no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// InitTracer sets up the global trace provider with a stdout exporter. The
// deployment environment is stamped onto the trace resource so spans from dev
// and prod deployments can be told apart downstream.
func InitTracer(env string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.DeploymentEnvironmentName(env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes any remaining spans and shuts the provider down.
func ShutdownTracer(ctx context.Context) {
	if tracerProvider == nil {
		return
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		slog.Error("tracer provider shutdown failed", "error", err)
	}
}
