/*
Package config loads and validates the controller's process-wide
configuration.

Configuration comes from HANGAR_-prefixed environment variables with an
optional YAML file underneath (environment wins). Everything is read once
at startup into an immutable Config struct; no component reads the
environment afterwards.

# Knobs

	┌───────────────────────────────────┬─────────────┬──────────────────────────────┐
	│ Key (env: HANGAR_<UPPER>)         │ Default     │ Meaning                      │
	├───────────────────────────────────┼─────────────┼──────────────────────────────┤
	│ api_key                           │ (required)  │ Admin key, ≥ 32 chars        │
	│ storage_root                      │ (required)  │ Absolute blob root           │
	│ database_url                      │ (required)  │ Postgres DSN or "memory"     │
	│ http_bind                         │ :8080       │ Listen address               │
	│ worker_token_ttl_seconds          │ 90          │ Rotating worker token TTL    │
	│ worker_poll_interval_seconds      │ 30          │ Advisory poll cadence        │
	│ build_heartbeat_timeout_seconds   │ 300         │ Stuck-build threshold        │
	│ worker_offline_timeout_seconds    │ 300         │ Offline-worker threshold     │
	│ liveness_scan_interval_seconds    │ 60          │ Supervisor tick              │
	│ max_upload_bytes                  │ 2 GiB       │ Multipart ingress cap        │
	│ dispatch_mode                     │ locking     │ locking | serial             │
	│ queue_high_water                  │ 1000        │ Serial-mode queue cap (503)  │
	│ max_concurrent_uploads            │ 8           │ In-flight ingress budget     │
	│ db_max_open_conns                 │ 10          │ Pool size                    │
	│ db_max_idle_conns                 │ 5           │ Idle pool size               │
	│ auto_migrate                      │ true        │ Run migrations on start      │
	│ shutdown_grace_seconds            │ 15          │ Drain window at SIGTERM      │
	│ log_level / log_json              │ info / true │ Logging                      │
	└───────────────────────────────────┴─────────────┴──────────────────────────────┘

# Validation

Load fails (and the process exits non-zero) when:

  - api_key is shorter than 32 characters
  - storage_root is empty or relative
  - database_url is empty
  - dispatch_mode is not "locking" or "serial"
  - worker_token_ttl_seconds is below three poll intervals (a worker
    must survive two missed polls without losing its identity)
  - max_upload_bytes or queue_high_water is not positive

# Usage

	cfg, err := config.Load(configFile) // configFile may be ""
	if err != nil {
		return err // startup misconfiguration, exit 1
	}

# Integration Points

  - cmd/hangar: loads at startup, threads *Config through constructors
  - pkg/store: pool sizing, query timeouts
  - pkg/dispatch: mode selection, high-water mark
  - pkg/supervisor: timeout and interval knobs
  - pkg/api: bind address, upload caps, poll interval advice
*/
package config
