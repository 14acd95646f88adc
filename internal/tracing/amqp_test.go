package tracing

import (
	"context"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestAMQPHeaderRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectAMQPHeaders(ctx, nil)
	require.Contains(t, headers, "traceparent")

	// Brokers may hand string headers back as bytes.
	headers["traceparent"] = []byte(headers["traceparent"].(string))

	extracted := trace.SpanContextFromContext(ExtractAMQPHeaders(context.Background(), headers))
	assert.True(t, extracted.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), extracted.SpanID())
}

func TestInjectKeepsExistingHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	headers := InjectAMQPHeaders(context.Background(), amqp.Table{"x-parking-lot-reason": "bad json"})
	assert.Equal(t, "bad json", headers["x-parking-lot-reason"])
	assert.NotContains(t, headers, "traceparent", "no span means nothing to propagate")
}

func TestExtractWithoutHeaders(t *testing.T) {
	ctx := ExtractAMQPHeaders(context.Background(), nil)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
