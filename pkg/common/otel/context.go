package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Zero ids are logged when ctx carries no valid span, so log lines keep a
// fixed shape.
var (
	zeroTraceID = trace.TraceID{}.String()
	zeroSpanID  = trace.SpanID{}.String()
)

// GetTraceID returns the trace id of the span in ctx.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return zeroTraceID
}

// GetSpanID returns the span id of the span in ctx.
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return zeroSpanID
}

// SpanFields returns the ids that tie an error event to its trace.
func SpanFields(ctx context.Context) map[string]string {
	return map[string]string{
		"trace_id": GetTraceID(ctx),
		"span_id":  GetSpanID(ctx),
	}
}
