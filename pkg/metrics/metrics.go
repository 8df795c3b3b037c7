package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_builds_total",
			Help: "Total number of builds by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hangar_queue_depth",
			Help: "Number of pending builds waiting for dispatch",
		},
	)

	// Dispatch metrics
	BuildsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_builds_dispatched_total",
			Help: "Total number of builds assigned to workers",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hangar_dispatch_latency_seconds",
			Help:    "Time taken by one dispatch attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Artifact metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_uploads_total",
			Help: "Total number of result uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_upload_bytes_total",
			Help: "Total bytes of uploaded artifacts",
		},
	)

	// Supervisor metrics
	SupervisorSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_supervisor_sweeps_total",
			Help: "Total number of liveness supervisor sweeps",
		},
	)

	BuildsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_builds_timed_out_total",
			Help: "Total number of builds failed for missing heartbeats",
		},
	)

	WorkersMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_workers_marked_offline_total",
			Help: "Total number of workers declared offline by the supervisor",
		},
	)

	// Auth metrics
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_auth_failures_total",
			Help: "Total number of rejected credentials by kind",
		},
		[]string{"credential"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hangar_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BuildsDispatched)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadBytes)
	prometheus.MustRegister(SupervisorSweeps)
	prometheus.MustRegister(BuildsTimedOut)
	prometheus.MustRegister(WorkersMarkedOffline)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
