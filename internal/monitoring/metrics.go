package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the message pipeline. Registered once at
// package init, scraped via /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total number of websocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of active websocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_ingested_total",
		Help: "Messages accepted by the ingest path, by outcome",
	}, []string{"outcome"}) // sent | queued | error

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_delivered_total",
		Help: "newMessage frames pushed to live sockets",
	})

	StreamAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_appends_total",
		Help: "Records appended per stream",
	}, []string{"stream"})

	StreamLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_stream_length",
		Help: "Current length per stream",
	}, []string{"stream"})

	WorkerProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_worker_processed_total",
		Help: "Records processed per worker",
	}, []string{"worker"})

	WorkerFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_worker_failed_total",
		Help: "Record failures per worker",
	}, []string{"worker"})

	WorkerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_worker_restarts_total",
		Help: "Supervisor restarts per worker",
	}, []string{"worker"})

	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_dlq_depth",
		Help: "Current dead-letter stream length",
	})

	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online",
		Help: "Identities currently online (canonical view)",
	})

	RateLimitedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rate_limited_events_total",
		Help: "Inbound socket events rejected by rate limiting",
	})

	StoreCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_call_duration_seconds",
		Help:    "Document store call latency by operation",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	MemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_memory_bytes",
		Help: "Resident memory of the process",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		MessagesIngested,
		MessagesDelivered,
		StreamAppends,
		StreamLength,
		WorkerProcessed,
		WorkerFailed,
		WorkerRestarts,
		BreakerState,
		DLQDepth,
		PresenceOnline,
		RateLimitedEvents,
		StoreCallDuration,
		MemoryBytes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
