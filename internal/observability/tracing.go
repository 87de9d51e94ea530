// Package observability wires OpenTelemetry trace export into the service.
//
// Genkit already instruments every model call, tool call, and flow with
// spans on its own TracerProvider. This package attaches an OTLP/HTTP
// exporter to that provider so the spans leave the process: pointed at a
// local collector (OpenTelemetry Collector, Datadog Agent, Grafana Alloy)
// on the conventional port 4318.
//
// Export failure is never fatal. A service that cannot reach its collector
// still answers queries; it just runs without traces.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/log"
)

// DefaultEndpoint is the conventional OTLP/HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// Setup registers an OTLP/HTTP exporter with Genkit's TracerProvider and
// returns a shutdown function that flushes pending spans. With tracing
// disabled (or an unreachable collector) the returned shutdown is a no-op.
func Setup(ctx context.Context, cfg config.TracingConfig, logger log.Logger) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		return noop, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads service identity from the environment.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
