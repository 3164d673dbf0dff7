package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens a span on the global tracer. Works whether or not a
// Provider was installed; with no provider the span is a no-op.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// StartStepSpan opens a span for one step execution with the standard
// step attributes attached.
func StartStepSpan(ctx context.Context, stepID, verb string) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "step.execute")
	span.SetAttributes(
		attribute.String("step.id", stepID),
		attribute.String("step.verb", verb),
	)
	return ctx, span
}

// SetSpanAttributes attaches loosely typed attributes to a span.
func SetSpanAttributes(span trace.Span, attrs map[string]interface{}) {
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case float64:
			span.SetAttributes(attribute.Float64(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
}

// RecordSpanError records err on the span and marks the span status.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds a point-in-time event with attributes to the span.
func AddSpanEvent(span trace.Span, name string, attrs map[string]interface{}) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	span.AddEvent(name, trace.WithAttributes(kv...))
}
