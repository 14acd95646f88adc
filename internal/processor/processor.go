package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/drluca/shopstream/orderprocessing/config"
	"github.com/drluca/shopstream/orderprocessing/internal/contracts"
	"github.com/drluca/shopstream/orderprocessing/internal/database"
	"github.com/drluca/shopstream/orderprocessing/internal/metrics"
	"github.com/drluca/shopstream/orderprocessing/internal/models"
	"github.com/drluca/shopstream/orderprocessing/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderStore persists orders idempotently on their key.
type OrderStore interface {
	InsertOrder(ctx context.Context, rec models.OrderRecord) (database.InsertResult, error)
}

// Publisher sends a confirmed message to the outgoing exchange.
type Publisher interface {
	PublishMessage(ctx context.Context, routingKey, messageID string, payload interface{}) error
}

// PublishMarker records which orders already had their stock check published.
type PublishMarker interface {
	Published(ctx context.Context, orderKey string) (bool, error)
	MarkPublished(ctx context.Context, orderKey string) error
}

type Processor struct {
	store  OrderStore
	bus    Publisher
	marker PublishMarker
	cfg    config.Config
}

func New(store OrderStore, bus Publisher, marker PublishMarker, cfg config.Config) *Processor {
	return &Processor{store: store, bus: bus, marker: marker, cfg: cfg}
}

// MessageHandler relays one New_Order delivery: parse, persist, then publish
// the stock check. The publish never happens unless the insert succeeded.
func (p *Processor) MessageHandler(ctx context.Context, delivery amqp.Delivery) error {
	ctx = tracing.ExtractAMQPHeaders(ctx, delivery.Headers)
	ctx, span := tracing.Tracer().Start(ctx, "order_relay.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.cfg.IncomingQueueName),
		),
	)
	defer span.End()

	err := p.relay(ctx, span, delivery)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) relay(ctx context.Context, span trace.Span, delivery amqp.Delivery) error {
	msg, err := models.ParseIncomingOrder(delivery.Body, p.cfg.RequireOrderFields)
	if err != nil {
		metrics.Malformed.Inc()
		return fmt.Errorf("%w: %w", contracts.ErrMalformedMessage, err)
	}

	key := models.IdempotencyKey(msg, delivery.Body)
	span.SetAttributes(attribute.String("order.key", key), attribute.String("order.id", msg.OrderID))
	logger := log.With().Str("orderKey", key).Str("orderId", msg.OrderID).Uint64("deliveryTag", delivery.DeliveryTag).Logger()

	res, err := p.persist(ctx, models.NewOrderRecord(key, msg))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist order, stock check not published")
		return fmt.Errorf("persist order %s: %w", key, err)
	}

	if !res.Inserted {
		metrics.Duplicates.Inc()
		published, err := p.marker.Published(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not read publish marker, republishing stock check")
		}
		if published {
			logger.Info().Msg("Order already stored and stock check already published, acknowledging replay")
			return nil
		}
	}

	check := models.NewStockCheck(msg)
	if err := p.publish(ctx, key, check); err != nil {
		logger.Error().Err(err).Msg("Failed to publish stock check after order was stored")
		return fmt.Errorf("%w: order %s: %w", contracts.ErrPublishFailure, key, err)
	}

	if err := p.marker.MarkPublished(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("Could not record publish marker")
	}

	logger.Info().
		Str("customerId", msg.CustomerID).
		Str("productId", check.ProductID).
		Int("quantity", check.Quantity).
		Bool("replay", !res.Inserted).
		Msg("Order stored and stock check published")
	return nil
}

func (p *Processor) persist(ctx context.Context, rec models.OrderRecord) (database.InsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.store.InsertOrder(ctx, rec)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	return res, err
}

func (p *Processor) publish(ctx context.Context, key string, check models.StockCheckMessage) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := p.bus.PublishMessage(ctx, p.cfg.OutgoingRoutingKey, key, check)
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return err
}
