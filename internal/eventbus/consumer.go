package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drluca/shopstream/orderprocessing/internal/contracts"
	"github.com/drluca/shopstream/orderprocessing/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const maxLoggedBody = 512

// Consume delivers messages from the incoming queue to handler on
// WORKER_COUNT workers until ctx is cancelled. After a connection loss it
// waits for the monitor to reconnect and registers the consumer again.
// It returns once every in-flight message has been settled.
func (rmq *RabbitMQManager) Consume(ctx context.Context, handler contracts.MessageHandler) error {
	for {
		if err := rmq.waitReady(ctx); err != nil {
			return nil
		}

		deliveries, consumerChan, err := rmq.registerConsumer()
		if err != nil {
			log.Error().Err(err).Str("queue", rmq.config.IncomingQueueName).Msg("Failed to register a consumer")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(rmq.config.ReconnectDelay):
			}
			continue
		}

		log.Info().Str("queue", rmq.config.IncomingQueueName).Str("tag", rmq.config.ConsumerTag).
			Int("workers", rmq.config.WorkerCount).Msg("Consumer started, waiting for messages...")
		rmq.dispatch(ctx, deliveries, consumerChan, handler)

		if ctx.Err() != nil {
			log.Info().Msg("Consumer stopped, all in-flight messages settled.")
			return nil
		}
		log.Warn().Msg("Delivery channel was closed. Waiting to re-establish consumer.")
	}
}

func (rmq *RabbitMQManager) waitReady(ctx context.Context) error {
	for !rmq.IsReady() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rmq.done:
			return errors.New("rabbitmq manager closed")
		case <-rmq.reconnected:
		case <-time.After(rmq.config.ReconnectDelay):
		}
	}
	return nil
}

func (rmq *RabbitMQManager) registerConsumer() (<-chan amqp.Delivery, *amqp.Channel, error) {
	rmq.mu.RLock()
	ch := rmq.consumerChan
	rmq.mu.RUnlock()
	if ch == nil {
		return nil, nil, errors.New("consumer channel is nil")
	}

	msgs, err := ch.Consume(
		rmq.config.IncomingQueueName, // queue
		rmq.config.ConsumerTag,       // consumer tag
		false,                        // auto-ack (false means we manually ack/nack)
		false,                        // exclusive
		false,                        // no-local
		false,                        // no-wait
		nil,                          // args
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, ch, nil
}

// dispatch fans deliveries out to the worker pool. Cancelling ctx cancels the
// broker-side consumer; workers then drain what was already delivered.
func (rmq *RabbitMQManager) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, ch *amqp.Channel, handler contracts.MessageHandler) {
	workers := rmq.config.WorkerCount
	if workers < 1 {
		workers = 1
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(rmq.config.ConsumerTag, false); err != nil {
				log.Warn().Err(err).Msg("Failed to cancel consumer")
			}
		case <-stopped:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for delivery := range deliveries {
				log.Debug().Int("worker", worker).Uint64("tag", delivery.DeliveryTag).Msg("Received a message")
				rmq.handleDelivery(ctx, delivery, handler)
			}
		}(i)
	}
	wg.Wait()
	close(stopped)
}

// handleDelivery runs handler to completion even when ctx is cancelled, so a
// shutdown never interrupts a persist-then-publish pair.
func (rmq *RabbitMQManager) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler contracts.MessageHandler) {
	err := handler(context.WithoutCancel(ctx), delivery)
	rmq.settle(ctx, delivery, err)
}

// settle acknowledges, parks, dead-letters or requeues a delivery according
// to the handler result.
func (rmq *RabbitMQManager) settle(ctx context.Context, delivery amqp.Delivery, handlerErr error) contracts.Disposition {
	disposition := contracts.Classify(handlerErr)
	logger := log.With().Uint64("deliveryTag", delivery.DeliveryTag).Str("messageId", delivery.MessageId).
		Str("outcome", disposition.String()).Logger()

	var err error
	switch disposition {
	case contracts.Ack:
		err = delivery.Ack(false)

	case contracts.Drop:
		body := delivery.Body
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		logger.Error().Err(handlerErr).Bytes("body", body).Msg("Malformed message, parking and acknowledging")
		if perr := rmq.sendToParkingLot(context.WithoutCancel(ctx), delivery, handlerErr.Error()); perr != nil {
			logger.Warn().Err(perr).Msg("Could not copy malformed message to parking lot")
		}
		err = delivery.Ack(false)

	case contracts.DeadLetter:
		logger.Error().Err(handlerErr).Msg("Permanent failure, dead-lettering message for manual review")
		err = delivery.Nack(false, false)

	case contracts.Requeue:
		logger.Warn().Err(handlerErr).Dur("delay", rmq.config.RequeueDelay).Msg("Transient failure, requeueing message")
		if rmq.config.RequeueDelay > 0 {
			t := time.NewTimer(rmq.config.RequeueDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		err = delivery.Nack(false, true)
	}

	if err != nil {
		// The broker redelivers anything left unsettled on a dead channel.
		logger.Error().Err(err).Msg("Failed to settle message")
	}
	metrics.Messages.WithLabelValues(disposition.String()).Inc()
	return disposition
}
