package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanFields(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		fields := SpanFields(context.Background())
		assert.Equal(t, "00000000000000000000000000000000", fields["trace_id"])
		assert.Equal(t, "0000000000000000", fields["span_id"])
	})

	t.Run("remote span", func(t *testing.T) {
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{0x0a, 0x0b},
			SpanID:  trace.SpanID{0x01},
		})
		ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

		assert.Equal(t, sc.TraceID().String(), GetTraceID(ctx))
		assert.Equal(t, sc.SpanID().String(), GetSpanID(ctx))
		assert.Equal(t, map[string]string{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		}, SpanFields(ctx))
	})
}
