package tracing

import (
	"context"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectAMQPHeaders writes the trace context of ctx into headers, allocating
// the table when needed.
func InjectAMQPHeaders(ctx context.Context, headers amqp.Table) amqp.Table {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if headers == nil {
		headers = amqp.Table{}
	}
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// ExtractAMQPHeaders returns ctx enriched with any trace context in headers.
func ExtractAMQPHeaders(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		switch val := v.(type) {
		case string:
			carrier[k] = val
		case []byte:
			carrier[k] = string(val)
		}
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
