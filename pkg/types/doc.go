/*
Package types defines the core data structures used throughout Hangar.

This package contains all fundamental types that represent Hangar's domain
model: builds, workers, build logs, telemetry samples, their status enums,
the build state machine, and the domain error taxonomy. Every other package
depends on types; types depends on nothing but the standard library.

# Architecture

The types package is the foundation of Hangar's data model. It defines:

  - Build lifecycle (statuses, timestamps, blob keys, credentials)
  - Worker identity (status, rotating token slots, counters)
  - Observability records (build logs, telemetry samples)
  - The build state machine as a single transition table
  - Error kinds mapped one-to-one onto HTTP statuses

The build state machine lives here, not in the repository, so that every
store implementation enforces exactly the same graph:

	             submit
	               │
	               ▼
	            pending ───cancel──▶ cancelled
	               │
	           dispatch
	               │
	               ▼
	            assigned ──heartbeat──▶ building
	               │                      │
	          reassign ◀──────────────────┤
	               │                      │
	               ▼                      ▼
	            pending             completed / failed

Terminal states (completed, failed, cancelled) have no outgoing edges.
Retry never mutates a terminal build; it creates a new one.

# Core Types

Build lifecycle:
  - Build: one submitted compile request with status, ownership and blob keys
  - BuildStatus: pending, assigned, building, completed, failed, cancelled
  - Platform: ios or android

Worker identity:
  - Worker: a registered remote node with a rotating access token
  - WorkerStatus: idle, building, offline
  - Capabilities: opaque key/value bag (JSONB on the wire and in Postgres)

Observability:
  - BuildLog: append-only structured log line (level, message, timestamp)
  - TelemetrySample: append-only resource snapshot from inside the VM
  - Stats, BuildCounts, WorkerCounts: aggregate snapshots for /stats

Errors:
  - ErrorKind: AuthMissing, AuthInvalid, Forbidden, NotFound,
    ValidationError, IllegalTransition, Conflict, PayloadTooLarge,
    ServiceUnavailable, Internal
  - Error: kind + client-safe message + optional wrapped cause

# Credential Hygiene

Build.AccessToken, Build.OTP, Build.VMToken, Worker.AccessToken and
Worker.PrevToken all carry the json:"-" tag. A Build or Worker marshaled
straight into a response can never leak a credential; endpoints that must
hand a token to its owner use a dedicated response struct.

The same rule applies to logging: callers log build and worker ids, never
token values.

# State Machine

CanTransition and ValidateTransition are pure functions over the
transition table:

	if err := types.ValidateTransition(build.Status, types.BuildStatusFailed); err != nil {
		return err // *types.Error, kind IllegalTransition
	}

Illegal transitions are rejected with no side effects; callers surface the
error unchanged and the HTTP layer renders it as 409.

# Error Handling

Errors flow as typed values, not sentinel strings:

	if err := store.CancelBuild(ctx, id); err != nil {
		switch types.KindOf(err) {
		case types.KindNotFound:       // 404
		case types.KindIllegalTransition: // 409
		}
	}

WrapError keeps an internal cause reachable via errors.Unwrap while the
Message field stays safe to show a client. Handlers never put credential
values, filesystem paths or driver error text into Message.

# Identifier Safety

Every identifier that can reach a filesystem path (build ids, worker ids,
blob kinds) is validated against ^[A-Za-z0-9_-]+$ by ValidateID before
use. Generated ids (UUIDs) always satisfy the pattern; the check exists
for identifiers that arrive over the wire.

# Integration Points

This package is imported by:

  - pkg/store: enforces ValidateTransition inside every mutation
  - pkg/blob: uses ValidateID on path components
  - pkg/dispatch: reads BuildStatus/WorkerStatus during assignment
  - pkg/supervisor: drives timeout transitions
  - pkg/auth: returns AuthMissing/AuthInvalid/Forbidden kinds
  - pkg/api: maps ErrorKind to HTTP statuses and envelopes

# See Also

  - pkg/store for how transitions are applied transactionally
  - pkg/api for the error envelope shape
*/
package types
