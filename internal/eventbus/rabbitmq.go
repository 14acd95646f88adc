package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/drluca/shopstream/orderprocessing/config"
	"github.com/drluca/shopstream/orderprocessing/internal/tracing"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const confirmBuffer = 64

var (
	ErrNotReady       = errors.New("rabbitmq producer not ready")
	ErrPublishNacked  = errors.New("message published but not confirmed by broker")
	ErrConfirmTimeout = errors.New("publish confirmation timeout")
)

// RabbitMQManager handles RabbitMQ connections, channels, and operations.
type RabbitMQManager struct {
	config config.Config

	mu              sync.RWMutex
	connection      *amqp.Connection
	consumerChan    *amqp.Channel
	producerChan    *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyProdClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation // For publisher confirms
	isReady         bool

	// publishMu serialises publish+confirm pairs on producerChan.
	publishMu  sync.Mutex
	publishSeq uint64

	reconnected chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewRabbitMQManager dials the broker, declares the topology and starts the
// connection monitor. Dialing is retried with exponential backoff until ctx
// is cancelled or MaxReconnectAttempts is exhausted.
func NewRabbitMQManager(ctx context.Context, cfg config.Config) (*RabbitMQManager, error) {
	rmq := &RabbitMQManager{
		config:      cfg,
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	if err := rmq.connectWithBackoff(ctx); err != nil {
		return nil, fmt.Errorf("initial RabbitMQ connection failed: %w", err)
	}

	go rmq.handleReconnect()
	return rmq, nil
}

func (rmq *RabbitMQManager) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if rmq.config.ReconnectDelay > 0 {
		eb.InitialInterval = rmq.config.ReconnectDelay
		eb.MaxInterval = 6 * rmq.config.ReconnectDelay
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if rmq.config.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(rmq.config.MaxReconnectAttempts))
	}
	return backoff.WithContext(b, ctx)
}

func (rmq *RabbitMQManager) connectWithBackoff(ctx context.Context) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		log.Info().Int("attempt", attempt).Msg("Attempting to connect to RabbitMQ")
		return rmq.connect()
	}, rmq.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("RabbitMQ connection attempt failed")
	})
}

func (rmq *RabbitMQManager) connect() error {
	conn, err := amqp.DialConfig(rmq.config.RabbitMQURL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": rmq.config.AppName},
	})
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	producerChan, notifyConfirm, err := rmq.setupProducerChannel(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to setup producer channel: %w", err)
	}

	consumerChan, err := rmq.setupConsumerChannelAndTopology(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to setup consumer channel and topology: %w", err)
	}

	notifyConnClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	notifyChanClose := consumerChan.NotifyClose(make(chan *amqp.Error, 1))
	notifyProdClose := producerChan.NotifyClose(make(chan *amqp.Error, 1))

	rmq.publishMu.Lock()
	rmq.mu.Lock()
	select {
	case <-rmq.done:
		rmq.mu.Unlock()
		rmq.publishMu.Unlock()
		conn.Close()
		return backoff.Permanent(errors.New("rabbitmq manager closed"))
	default:
	}
	rmq.connection = conn
	rmq.producerChan = producerChan
	rmq.consumerChan = consumerChan
	rmq.notifyConfirm = notifyConfirm
	rmq.notifyConnClose = notifyConnClose
	rmq.notifyChanClose = notifyChanClose
	rmq.notifyProdClose = notifyProdClose
	rmq.publishSeq = 0
	rmq.isReady = true
	rmq.mu.Unlock()
	rmq.publishMu.Unlock()

	log.Info().Msg("RabbitMQ connected and channels initialized successfully")
	return nil
}

func (rmq *RabbitMQManager) setupProducerChannel(conn *amqp.Connection) (*amqp.Channel, chan amqp.Confirmation, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open producer channel: %w", err)
	}

	// Enable publisher confirms on this channel
	if err := ch.Confirm(false); err != nil {
		return nil, nil, fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	notifyConfirm := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	if name := rmq.config.OutgoingExchangeName; name != "" {
		log.Info().Str("exchange", name).Str("type", rmq.config.RabbitMQExchangeType).Msg("Declaring outgoing exchange")
		if err := ch.ExchangeDeclare(name, rmq.config.RabbitMQExchangeType, true, false, false, false, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to declare outgoing exchange %s: %w", name, err)
		}
	}

	if queue := rmq.config.OutgoingQueueName; queue != "" {
		log.Info().Str("queue", queue).Msg("Declaring outgoing queue")
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to declare outgoing queue %s: %w", queue, err)
		}
		if rmq.config.OutgoingExchangeName != "" {
			if err := ch.QueueBind(queue, rmq.config.OutgoingRoutingKey, rmq.config.OutgoingExchangeName, false, nil); err != nil {
				return nil, nil, fmt.Errorf("failed to bind outgoing queue %s: %w", queue, err)
			}
		}
	}

	// The health monitor owns this queue and declares it non-durable.
	if queue := rmq.config.HealthCheckQueueName; queue != "" && rmq.config.HeartbeatInterval > 0 {
		if _, err := ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to declare health check queue %s: %w", queue, err)
		}
	}

	return ch, notifyConfirm, nil
}

func (rmq *RabbitMQManager) setupConsumerChannelAndTopology(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(rmq.config.RabbitMQPrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS on consumer channel: %w", err)
	}

	cfg := rmq.config
	log.Info().Str("dlx_exchange", cfg.DLXName).Str("dlq_name", cfg.DLQName).Msg("Declaring dead letter topology")
	if err := ch.ExchangeDeclare(cfg.DLXName, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare DLX %s: %w", cfg.DLXName, err)
	}
	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare DLQ %s: %w", cfg.DLQName, err)
	}
	if err := ch.QueueBind(cfg.DLQName, cfg.DLQName, cfg.DLXName, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind DLQ %s to DLX %s: %w", cfg.DLQName, cfg.DLXName, err)
	}

	log.Info().Str("queue", cfg.ParkingLotQueueName).Msg("Declaring parking lot queue")
	if _, err := ch.QueueDeclare(cfg.ParkingLotQueueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare parking lot queue %s: %w", cfg.ParkingLotQueueName, err)
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    cfg.DLXName,
		"x-dead-letter-routing-key": cfg.DLQName,
	}
	log.Info().Str("queue", cfg.IncomingQueueName).Msg("Declaring incoming queue")
	if _, err := ch.QueueDeclare(cfg.IncomingQueueName, true, false, false, false, queueArgs); err != nil {
		return nil, fmt.Errorf("failed to declare incoming queue %s: %w", cfg.IncomingQueueName, err)
	}

	// The default exchange routes by queue name and cannot be declared or bound.
	if cfg.IncomingExchangeName != "" {
		if err := ch.ExchangeDeclare(cfg.IncomingExchangeName, cfg.RabbitMQExchangeType, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare incoming exchange %s: %w", cfg.IncomingExchangeName, err)
		}
		if err := ch.QueueBind(cfg.IncomingQueueName, cfg.IncomingRoutingKey, cfg.IncomingExchangeName, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind incoming queue %s with key %s to exchange %s: %w",
				cfg.IncomingQueueName, cfg.IncomingRoutingKey, cfg.IncomingExchangeName, err)
		}
	}

	log.Info().Str("queue", cfg.IncomingQueueName).Msg("Incoming queue declared successfully")
	return ch, nil
}

// PublishMessage marshals payload to JSON and publishes it persistently to
// the outgoing exchange, waiting for the broker to confirm it until ctx is done.
func (rmq *RabbitMQManager) PublishMessage(ctx context.Context, routingKey, messageID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	log.Debug().Str("exchange", rmq.config.OutgoingExchangeName).Str("routingKey", routingKey).RawJSON("body", body).Msg("Publishing message")

	return rmq.publish(ctx, rmq.config.OutgoingExchangeName, routingKey, amqp.Publishing{
		Headers:      tracing.InjectAMQPHeaders(ctx, nil),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		AppId:        rmq.config.AppName,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// publish sends msg and blocks until the broker confirms it or ctx is done.
// Callers bound ctx.
func (rmq *RabbitMQManager) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	rmq.publishMu.Lock()
	defer rmq.publishMu.Unlock()

	rmq.mu.RLock()
	ch, confirms, ready := rmq.producerChan, rmq.notifyConfirm, rmq.isReady
	rmq.mu.RUnlock()
	if !ready || ch == nil {
		return ErrNotReady
	}

	if err := ch.Publish(exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	rmq.publishSeq++
	tag := rmq.publishSeq

	for {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return errors.New("producer channel closed before confirm")
			}
			if confirm.DeliveryTag < tag {
				// Late confirm for a publish that already timed out.
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			log.Debug().Uint64("tag", confirm.DeliveryTag).Msg("Message published and confirmed")
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConfirmTimeout, ctx.Err())
		}
	}
}

// sendToParkingLot copies a delivery to the parking lot queue with the reason attached.
func (rmq *RabbitMQManager) sendToParkingLot(ctx context.Context, originalDelivery amqp.Delivery, reason string) error {
	headers := amqp.Table{}
	for k, v := range originalDelivery.Headers {
		headers[k] = v
	}
	headers["x-parking-lot-reason"] = reason
	headers["x-original-exchange"] = originalDelivery.Exchange
	headers["x-original-routing-key"] = originalDelivery.RoutingKey

	ctx, cancel := context.WithTimeout(ctx, rmq.config.PublishTimeout)
	defer cancel()

	err := rmq.publish(ctx, "", rmq.config.ParkingLotQueueName, amqp.Publishing{
		ContentType:   originalDelivery.ContentType,
		CorrelationId: originalDelivery.CorrelationId,
		MessageId:     originalDelivery.MessageId,
		Timestamp:     time.Now(),
		DeliveryMode:  amqp.Persistent,
		Body:          originalDelivery.Body,
		Headers:       headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to parking lot: %w", err)
	}
	log.Info().Uint64("originalDeliveryTag", originalDelivery.DeliveryTag).Msg("Message copied to parking lot")
	return nil
}

func (rmq *RabbitMQManager) handleReconnect() {
	log.Info().Msg("RabbitMQ connection monitor started.")
	for {
		rmq.mu.RLock()
		connClose, chanClose, prodClose := rmq.notifyConnClose, rmq.notifyChanClose, rmq.notifyProdClose
		rmq.mu.RUnlock()

		select {
		case <-rmq.done:
			return
		case amqpErr := <-connClose:
			log.Error().Err(closeReason(amqpErr)).Msg("RabbitMQ connection lost. Attempting to reconnect...")
		case amqpErr := <-chanClose:
			log.Error().Err(closeReason(amqpErr)).Msg("RabbitMQ consumer channel lost. Attempting to reconnect...")
		case amqpErr := <-prodClose:
			log.Error().Err(closeReason(amqpErr)).Msg("RabbitMQ producer channel lost. Attempting to reconnect...")
		}

		select {
		case <-rmq.done:
			return
		default:
		}

		rmq.markNotReady()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-rmq.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		for {
			err := rmq.connectWithBackoff(ctx)
			if err == nil {
				log.Info().Msg("RabbitMQ reconnected successfully.")
				select {
				case rmq.reconnected <- struct{}{}:
				default:
				}
				break
			}
			if ctx.Err() != nil {
				cancel()
				return
			}
			log.Error().Err(err).Int("attempts", rmq.config.MaxReconnectAttempts).Msg("Max reconnection attempts reached, pausing before the next round")
			select {
			case <-rmq.done:
				cancel()
				return
			case <-time.After(rmq.config.ReconnectDelay * 2):
			}
		}
		cancel()
	}
}

// closeReason converts a close notification; a closed notify channel yields nil.
func closeReason(amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return errors.New("closed without error")
	}
	return amqpErr
}

func (rmq *RabbitMQManager) markNotReady() {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()
	rmq.isReady = false
	if rmq.connection != nil && !rmq.connection.IsClosed() {
		_ = rmq.connection.Close()
	}
}

// Close gracefully shuts down the RabbitMQ connection and channels.
func (rmq *RabbitMQManager) Close() {
	rmq.closeOnce.Do(func() {
		log.Info().Msg("Closing RabbitMQ manager...")
		close(rmq.done)

		rmq.mu.Lock()
		defer rmq.mu.Unlock()
		rmq.isReady = false

		if rmq.consumerChan != nil {
			if err := rmq.consumerChan.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing consumer channel")
			}
			rmq.consumerChan = nil
		}
		if rmq.producerChan != nil {
			if err := rmq.producerChan.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing producer channel")
			}
			rmq.producerChan = nil
		}
		if rmq.connection != nil && !rmq.connection.IsClosed() {
			if err := rmq.connection.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing RabbitMQ connection")
			}
		}
		rmq.connection = nil
		log.Info().Msg("RabbitMQ manager closed.")
	})
}

// IsReady checks if the RabbitMQ manager is connected and channels are set up.
func (rmq *RabbitMQManager) IsReady() bool {
	rmq.mu.RLock()
	defer rmq.mu.RUnlock()
	return rmq.isReady && rmq.connection != nil && !rmq.connection.IsClosed() && rmq.producerChan != nil && rmq.consumerChan != nil
}
