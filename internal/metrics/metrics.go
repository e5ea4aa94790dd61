// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wapipe"

var (
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound messages ingested, by outcome (stored, duplicate, rejected).",
	}, []string{"outcome"})

	BatchesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_closed_total",
		Help:      "Aggregation windows closed, by reason.",
	}, []string{"reason"})

	BatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_failures_total",
		Help:      "Closed windows whose downstream handler failed.",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_messages",
		Help:      "Messages per closed window.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
	})

	OpenWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_windows",
		Help:      "Aggregation windows currently open.",
	})

	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Send gateway calls, by result (created, replayed, invalid, unavailable, error).",
	}, []string{"result"})

	Chunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_total",
		Help:      "Plan chunks processed, by result (sent, skipped, failed, cancelled).",
	}, []string{"result"})

	ChunkDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chunk_delay_seconds",
		Help:      "Randomized delay applied between chunks.",
		Buckets:   prometheus.LinearBuckets(0, 0.5, 12),
	})

	Acks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acks_total",
		Help:      "Delivery receipts, by outcome (advanced, stale, unknown).",
	}, []string{"outcome"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Live fan-out subscriptions.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_drops_total",
		Help:      "Subscribers dropped because they could not keep up.",
	})

	Redriven = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_redriven_total",
		Help:      "Queued messages handed back to delivery by the sweeper.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Open WebSocket connections.",
	})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "WebSocket RPC requests, by method and result code.",
	}, []string{"method", "code"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
