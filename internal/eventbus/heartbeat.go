package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drluca/shopstream/orderprocessing/internal/metrics"
	"github.com/drluca/shopstream/orderprocessing/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// RunHeartbeats publishes a liveness message to the health check queue every
// HEARTBEAT_INTERVAL until ctx is done. A zero interval disables it.
func (rmq *RabbitMQManager) RunHeartbeats(ctx context.Context) {
	interval := rmq.config.HeartbeatInterval
	if interval <= 0 || rmq.config.HealthCheckQueueName == "" {
		log.Info().Msg("Heartbeats disabled")
		return
	}

	body, err := json.Marshal(models.Heartbeat{MicroserviceName: rmq.config.ServiceName})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal heartbeat")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rmq.sendHeartbeat(ctx, body)
		}
	}
}

func (rmq *RabbitMQManager) sendHeartbeat(ctx context.Context, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, rmq.config.PublishTimeout)
	defer cancel()

	err := rmq.publish(ctx, "", rmq.config.HealthCheckQueueName, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		metrics.Heartbeats.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("queue", rmq.config.HealthCheckQueueName).Msg("Failed to send heartbeat")
		return
	}
	metrics.Heartbeats.WithLabelValues("ok").Inc()
}
