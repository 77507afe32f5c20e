package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/agentflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEngineMetrics_IsShared(t *testing.T) {
	first := EngineMetrics(log.Discard())
	second := EngineMetrics(log.Discard())

	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.NotNil(t, first.NodeSuccesses)
	assert.NotNil(t, first.RunLatency)
}

func TestSetFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := StartSpan(context.Background(), provider.Tracer("test"), "node")
	SetFailure(span, errors.New("boom"), "timeout")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String(FailureKindKey, "timeout"))
}
