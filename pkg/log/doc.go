/*
Package log provides structured logging for Hangar using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Hangar's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("dispatch")                │          │
	│  │  - WithBuildID("0e1d8a44-...")              │          │
	│  │  - WithWorkerID("worker-xyz")               │          │
	│  │  - WithRequestID("req-def456")              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "dispatch",                 │          │
	│  │    "build_id": "0e1d8a44-...",              │          │
	│  │    "time": "2026-03-02T10:30:00Z",         │          │
	│  │    "message": "build assigned"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF build assigned component=dispatch │       │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() from cmd/hangar
  - Accessible from all Hangar packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithBuildID: Add build ID context
  - WithWorkerID: Add worker ID context
  - WithRequestID: Add HTTP request ID context

# Credential Hygiene

Tokens, one-time passwords and the admin API key are never logged, at any
level. Components log credential lifecycle by id only:

	logger.Info().Str("worker_id", w.ID).Msg("worker token rotated")

Events that would be tempting to log with a value (token mismatch, expired
OTP) carry the owning build or worker id instead. This rule is absolute;
there is no debug-level exception.

# Usage

Initializing the Logger:

	import "github.com/hangarci/hangar/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component Logger:

	logger := log.WithComponent("supervisor")
	logger.Info().
		Str("build_id", build.ID).
		Dur("stale_for", staleFor).
		Msg("build heartbeat timed out")

Request-scoped Logger:

	logger := log.WithRequestID(requestID)
	logger.Error().Err(err).Int("status", 500).Msg("request failed")

Simple Helpers:

	log.Info("server started")
	log.Errorf("migration failed", err)

# Integration Points

This package is used by:

  - pkg/api: access logs with request ids, recovery logging
  - pkg/dispatch: assignment decisions and queue events
  - pkg/supervisor: sweep results, timeout transitions
  - pkg/store: slow-query and retry diagnostics
  - pkg/blob: stream failures and cleanup actions
  - cmd/hangar: startup sequencing and shutdown progress

# Design Patterns

Zero-allocation logging:
  - zerolog builds events without fmt.Sprintf
  - Fields typed at call site (Str, Int, Dur, Err)
  - Events below the global level are dropped early

Global logger with child contexts:
  - One initialization in main
  - Components derive children; no logger plumbed through constructors
    except where a test needs to capture output

# See Also

  - pkg/api for request-id propagation
  - zerolog documentation: https://github.com/rs/zerolog
*/
package log
