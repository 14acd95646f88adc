package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_relay_messages_total",
		Help: "New_Order deliveries settled, by outcome",
	}, []string{"outcome"})
	Malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "order_relay_malformed_total",
		Help: "New_Order payloads that could not be parsed",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "order_relay_duplicates_total",
		Help: "Redelivered orders that were already stored",
	})
	StoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_relay_store_duration_seconds",
		Help:    "Order store insert latency",
		Buckets: prometheus.DefBuckets,
	})
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_relay_publish_duration_seconds",
		Help:    "CheckStock publish latency including broker confirm",
		Buckets: prometheus.DefBuckets,
	})
	Heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_relay_heartbeats_total",
		Help: "Heartbeats sent to the health monitor, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Messages, Malformed, Duplicates, StoreLatency, PublishLatency, Heartbeats)
}
