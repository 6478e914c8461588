// Package observability wires OpenTelemetry tracing for the callback API.
//
// Traces cover the inbound HTTP surface (via otelgin in the router) and
// propagate through outbound event-server and BSP requests that honor the
// W3C trace context headers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/convoops/go-callback-backend/internal/config"
)

// serviceNamespace groups this service with the rest of the platform in
// trace backends that facet on service.namespace.
const serviceNamespace = "convoops"

// Exporter and resource construction are indirected so failure paths can
// be exercised without a collector.
var (
	newTraceExporter = func(ctx context.Context, cfg config.OTELConfig) (*otlptrace.Exporter, error) {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	}

	newTraceResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		if serviceName == "" {
			serviceName = "callback-api"
		}
		return resource.New(
			ctx,
			resource.WithHost(),
			resource.WithTelemetrySDK(),
			resource.WithAttributes(
				semconv.ServiceNamespace(serviceNamespace),
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
	}
)

// SetupOTel configures OpenTelemetry tracing and returns a shutdown function.
//
// When tracing is disabled the returned shutdown is a no-op, so callers can
// defer it unconditionally. On any setup error the process-wide tracer
// provider and propagator are left untouched.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := newTraceResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
