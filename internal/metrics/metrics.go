// Package metrics provides Prometheus instrumentation for the matcher and
// collab services. It exposes gauges for connection, room, document and queue sizes,
// counters for frame and match throughput, and a histogram of queue wait.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairup_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of rooms held in the registry.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairup_rooms_active",
		Help: "Current number of collaboration rooms in memory",
	})

	// RoomsReaped counts rooms destroyed by the reaper.
	RoomsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairup_rooms_reaped_total",
		Help: "Total number of idle rooms reaped",
	})

	// DocumentBytes tracks the update bytes held by all room documents.
	DocumentBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairup_document_bytes",
		Help: "Total size of the updates held in room documents",
	})

	// FramesTotal counts inbound collaboration frames by kind.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairup_frames_total",
		Help: "Total number of inbound collaboration frames",
	}, []string{"kind"}) // kind = "cursor", "sync", "update", "ignored"

	// SlowConsumers counts connections closed because their send queue filled.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairup_slow_consumers_total",
		Help: "Connections closed for not draining their send queue",
	})

	// MatchRequests counts enqueue outcomes.
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairup_match_requests_total",
		Help: "Total number of match requests by outcome",
	}, []string{"result"}) // result = "matched", "queued", "conflict"

	// MatchTimeouts counts searches terminated by their timeout.
	MatchTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairup_match_timeouts_total",
		Help: "Total number of searches that expired without a partner",
	})

	// MatchWait records how long the earlier user waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairup_match_wait_seconds",
		Help:    "Time spent in the queue before a match",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
	})

	// MatchQueueSize tracks the number of entries across all criteria queues.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairup_match_queue_size",
		Help: "Current number of users in matching queues",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		RoomsReaped,
		DocumentBytes,
		FramesTotal,
		SlowConsumers,
		MatchRequests,
		MatchTimeouts,
		MatchWait,
		MatchQueueSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
