package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whim_work_items_total",
			Help: "Total number of work items by status",
		},
		[]string{"status"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whim_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whim_workers_spawned_total",
			Help: "Total number of worker containers spawned",
		},
	)

	SpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whim_spawn_failures_total",
			Help: "Total number of failed spawn attempts",
		},
	)

	WorkersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whim_workers_reaped_total",
			Help: "Total number of workers killed for stale heartbeats",
		},
	)

	// Scheduler metrics
	TickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whim_scheduler_tick_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whim_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whim_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkItemsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersSpawned)
	prometheus.MustRegister(SpawnFailures)
	prometheus.MustRegister(WorkersReaped)
	prometheus.MustRegister(TickLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
