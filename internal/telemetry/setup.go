package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/acme/whatsapp-dispatch/internal/config"
)

// Setup configures OpenTelemetry tracing for one binary of the pipeline and
// returns a shutdown function that flushes pending spans.
func Setup(ctx context.Context, cfg *config.Config, component string) (func(context.Context) error, error) {
	// The propagator is installed even without an exporter so inbound trace
	// headers still reach webhook and job spans.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Telemetry.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	ratio := cfg.Telemetry.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName(cfg, component)),
			semconv.ServiceVersionKey.String(cfg.App.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.App.Env),
			attribute.String("dispatch.component", component),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// ServiceName renders the traced service name, e.g. "whatsapp-dispatch-api".
func ServiceName(cfg *config.Config, component string) string {
	base := cfg.Telemetry.ServiceName
	if base == "" {
		base = cfg.App.Name
	}
	if component == "" {
		return base
	}
	return base + "-" + component
}
