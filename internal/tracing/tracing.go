// Package tracing wires OpenTelemetry span export around the turn loop
// (session.Manager) and the Beacon's LLM-call dispatch. Grounded on the
// teacher's internal/config.TelemetryConfig field shape and its
// build-tag-gated OTLP exporter, and on the pack's telemetry.InitTracer
// pattern (resource + batch processor + sampler + OTLP exporter, grpc or
// http) for the actual SDK wiring the teacher's retrieved source omits.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors the teacher's TelemetryConfig: OTLP export is opt-in and
// additive to whatever persistence a component already has.
type Config struct {
	Enabled      bool
	Endpoint     string // "localhost:4317" (grpc) or "https://...:4318" (http)
	Protocol     string // "grpc" (default) or "http"
	Insecure     bool
	ServiceName  string
	Headers      map[string]string
	SamplerRatio float64 // used only when > 0 and < 1; otherwise always-sample
}

// Init configures the global TracerProvider per cfg and returns a shutdown
// func to flush and close the exporter. When cfg.Enabled is false, Init
// installs a no-op provider and a no-op shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceNameOrDefault(cfg.ServiceName)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(samplerFor(cfg.SamplerRatio)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(exporter.Shutdown(ctx), provider.Shutdown(ctx))
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithHeaders(cfg.Headers)}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "goclaw"
	}
	return name
}

// tracerName is the instrumentation scope shared across the turn loop and
// the Beacon's query dispatch.
const tracerName = "github.com/nextlevelbuilder/pylonrelay"

// Start begins a span named name under ctx's current span (if any). It is
// a thin wrapper so call sites don't need to import the otel trace API
// directly, matching the teacher's own emitLLMSpan/emitToolSpan helpers.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
