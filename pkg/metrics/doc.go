/*
Package metrics provides Prometheus metrics collection and exposition for Hangar.

The metrics package defines and registers all Hangar metrics using the
Prometheus client library, providing observability into queue depth,
dispatch throughput, upload volume, supervisor activity and API latency.
Metrics are exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Builds: per-status gauge, queue depth      │          │
	│  │  Workers: per-status gauge                  │          │
	│  │  Dispatch: assigned count, attempt latency  │          │
	│  │  Artifacts: upload count/bytes by outcome   │          │
	│  │  Supervisor: sweeps, timeouts, offlines     │          │
	│  │  Auth: rejected credentials by kind         │          │
	│  │  API: request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Collector                      │          │
	│  │  - 15 s ticker                              │          │
	│  │  - syncs gauges from store.Statistics       │          │
	│  │  - collects immediately on Start            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

Counters (dispatched builds, uploads, sweeps, auth failures) are bumped
inline by the component doing the work; the gauges that mirror database
state flow through the Collector so they stay correct across restarts.

# Usage

Recording a dispatch attempt:

	timer := metrics.NewTimer()
	build, err := engine.NextForWorker(ctx, workerID)
	timer.ObserveDuration(metrics.DispatchLatency)
	if build != nil {
		metrics.BuildsDispatched.Inc()
	}

Exposing metrics:

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

# Integration Points

  - pkg/dispatch: dispatch counters and latency
  - pkg/supervisor: sweep counters
  - pkg/auth: auth failure counters
  - pkg/api: request histogram, /metrics route, upload counters
  - cmd/hangar: starts/stops the Collector with the server lifecycle

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
*/
package metrics
