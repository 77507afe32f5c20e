package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetFailure marks span failed with err. A non-empty kind is recorded under
// FailureKindKey so timeouts, step errors and compensations can be told apart.
func SetFailure(span trace.Span, err error, kind string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if kind != "" {
		span.SetAttributes(attribute.String(FailureKindKey, kind))
	}
}
