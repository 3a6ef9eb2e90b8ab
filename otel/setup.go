package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalrun/runtime"
)

const instrumentationName = "github.com/petal-labs/petalrun"

// SetupConfig configures Setup.
type SetupConfig struct {
	// Endpoint is the OTLP/HTTP collector (host:port). Tracing is off when
	// empty.
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Telemetry holds the event handlers built by Setup.
type Telemetry struct {
	Tracing *TracingHandler
	Metrics *MetricsHandler

	shutdown func(context.Context) error
}

// Setup builds the metrics handler on the global meter provider and, when
// an endpoint is configured, an OTLP trace pipeline installed as the global
// tracer provider.
func Setup(ctx context.Context, cfg SetupConfig) (*Telemetry, error) {
	metrics, err := NewMetricsHandler(otelapi.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("otel: metrics: %w", err)
	}
	t := &Telemetry{Metrics: metrics, shutdown: func(context.Context) error { return nil }}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return t, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "petalrun"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otelapi.SetTracerProvider(tp)

	t.Tracing = NewTracingHandler(tp.Tracer(instrumentationName))
	t.shutdown = tp.Shutdown
	return t, nil
}

// Handlers returns the configured event handlers.
func (t *Telemetry) Handlers() []runtime.EventHandler {
	var out []runtime.EventHandler
	if t.Tracing != nil {
		out = append(out, t.Tracing.Handle)
	}
	if t.Metrics != nil {
		out = append(out, t.Metrics.Handle)
	}
	return out
}

// Shutdown flushes and stops the trace pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	if err := t.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("otel: shutdown: %w", err)
	}
	return nil
}
