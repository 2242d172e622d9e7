// Package telemetry holds the Prometheus metrics of the threat-response
// daemon. Everything registers against the default registry and is
// served by the API router at GET /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by chi route pattern rather than raw URL
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_http_requests_total",
			Help: "HTTP requests processed, by method, route pattern and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Ban registry metrics
var (
	BanMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_ban_mutations_total",
			Help: "Committed ban registry mutations, by action (create, refresh, permanent, remove, expire).",
		},
		[]string{"action"},
	)

	ActiveBans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_active_bans",
			Help: "Active bans at the last stats refresh.",
		},
	)
)

// Dispatch metrics, labelled by integration name
var (
	DispatchCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_dispatch_calls_total",
			Help: "Driver calls made by dispatch workers, by integration, operation and result (sent, retry, failed).",
		},
		[]string{"integration", "operation", "result"},
	)

	DispatchCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_dispatch_call_duration_seconds",
			Help:    "Driver call latency, by integration.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"integration"},
	)

	DispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestra_dispatch_batch_size",
			Help:    "Queue items delivered per driver call.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	DispatchWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_dispatch_workers",
			Help: "Running dispatch workers.",
		},
	)
)

// Detection metrics
var (
	DetectionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_detection_events_total",
			Help: "WAF events seen by the detection engine, by outcome (accepted, dropped, ignored, stale).",
		},
		[]string{"outcome"},
	)

	DetectionFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_detection_rule_fires_total",
			Help: "Matrix rule fires, by severity.",
		},
		[]string{"severity"},
	)

	DetectionTrackedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_detection_tracked_events",
			Help: "Events currently held in detection windows.",
		},
	)
)

// Live stream metrics
var (
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_live_subscribers",
			Help: "Connected live event subscribers.",
		},
	)

	LiveEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestra_live_events_dropped_total",
			Help: "Live events dropped because a subscriber buffer was full.",
		},
	)
)

// Retention metrics
var (
	QueueItemsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestra_queue_items_purged_total",
			Help: "Terminal queue items removed by retention.",
		},
	)
)
