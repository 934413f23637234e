// Package tracing exports OpenTelemetry spans for reasoning turns, LLM
// calls and tool executions.
//
// Instrumented packages start spans with otel.Tracer at the call site,
// so the provider installed by [Setup] (or a test recorder) applies to
// every span regardless of package init order.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/placefinder/internal/buildinfo"
)

// Config selects where spans go.
type Config struct {
	Enabled     bool
	Endpoint    string // OTLP/HTTP traces URL, e.g. http://localhost:6006/v1/traces
	ServiceName string
}

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(context.Context) error

// Setup installs a global tracer provider that batches spans to
// cfg.Endpoint. When tracing is disabled the global no-op provider is
// left in place and the returned Shutdown does nothing.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (Shutdown, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", buildinfo.Version),
		)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// Fail records err on span and marks the span as failed.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
