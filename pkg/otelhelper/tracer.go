// Package otelhelper wires OpenTelemetry tracing and metrics for the engine.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const InstrumentationName = "github.com/dukex/agentflow"

const (
	RunIDKey         = "agentflow.run.id"
	DAGIDKey         = "agentflow.dag.id"
	DAGNameKey       = "agentflow.dag.name"
	NodeIDKey        = "agentflow.node.id"
	NodeTypeKey      = "agentflow.node.type"
	FlowTypeKey      = "agentflow.flow.type"
	StepRefKey       = "agentflow.step.ref"
	TransactionIDKey = "agentflow.transaction.id"
	RunStatusKey     = "agentflow.run.status"
	FailureKindKey   = "agentflow.failure.kind"
	WorkerIDKey      = "agentflow.worker.id"
)

// NewTracer installs an OTLP/HTTP tracer provider as the global provider.
// The returned shutdown flushes pending spans.
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// Tracer returns the tracer of the global provider, a no-op until NewTracer
// has been called.
// nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
