// Package tracing records OpenTelemetry spans for task runs and process
// termination. Spans are no-ops until Init installs an exporter.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName        = "agentrun"
	executorTracerName = "agentrun-executor"
	registryTracerName = "agentrun-procreg"
)

// Config selects where spans are exported.
type Config struct {
	// Endpoint is the OTLP/HTTP collector, as a URL or host:port. Empty
	// leaves tracing disabled.
	Endpoint string
	// SampleRatio is the share of task runs traced; 0 or 1 traces all.
	SampleRatio float64
}

// Init installs a batching OTLP/HTTP tracer provider globally. The returned
// func flushes pending spans and stops the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.Endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// exporterOptions accepts a full URL or a bare host:port, which is sent
// over plain HTTP.
func exporterOptions(endpoint string) []otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	}
	return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// TraceTaskRun creates the root span for a single task execution.
func TraceTaskRun(ctx context.Context, taskID, projectPath, provider string) (context.Context, trace.Span) {
	return otel.Tracer(executorTracerName).Start(ctx, "task.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("project_path", projectPath),
			attribute.String("provider", provider),
		),
	)
}

// TraceTaskStep creates a child span for one phase of a task (worktree, agent).
func TraceTaskStep(ctx context.Context, step, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(executorTracerName).Start(ctx, "task."+step,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("task_id", taskID)),
	)
}

// TraceProcessTerminate creates a span around a process termination attempt.
func TraceProcessTerminate(ctx context.Context, pid int) (context.Context, trace.Span) {
	return otel.Tracer(registryTracerName).Start(ctx, "process.terminate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("pid", pid)),
	)
}

// TraceResult records the outcome of a span.
func TraceResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
