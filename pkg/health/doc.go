/*
Package health provides the server-side health checks behind Hangar's /health endpoint.

This package implements two checks: Database (store reachability) and
Storage (blob root writability). A Registry runs every registered check
per request and aggregates the results; the endpoint answers 503 when
any check fails so load balancers and probes can act on it.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Name() string                                             │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴────────────┐
	    ▼                 ▼
	┌──────────┐    ┌──────────┐
	│ Database │    │ Storage  │
	│ Checker  │    │ Checker  │
	└──────────┘    └──────────┘
	     │                │
	     ▼                ▼
	 PingContext    probe write +
	 on the pool    remove under root

Each check runs under its own timeout (default 5 s) so a hung database
cannot stall the whole report. Results carry timing so dashboards can
watch check latency drift.

# Usage

	registry := health.NewRegistry(5 * time.Second)
	registry.Register(health.NewDatabaseChecker(st))
	registry.Register(health.NewStorageChecker(cfg.StorageRoot))

	report := registry.Run(ctx)
	// report.Healthy == true iff every check passed

# Integration Points

  - pkg/api: /health handler runs the registry per request
  - cmd/hangar: registers the checks during startup wiring
*/
package health
