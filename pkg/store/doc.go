/*
Package store is the repository over builds, workers, logs and telemetry.

It defines the Store interface plus two implementations: Postgres for
production and Mem for development mode and tests. Both enforce the same
build state machine by consulting types.ValidateTransition, so a
transition the graph forbids is rejected identically no matter which
backend is wired.

# Architecture

	┌────────────────────── REPOSITORY ────────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────────┐         │
	│  │               Store interface                │         │
	│  │  builds · workers · logs · telemetry ·       │         │
	│  │  dispatch · supervisor scans · statistics    │         │
	│  └───────┬──────────────────────────┬──────────┘         │
	│          │                          │                     │
	│  ┌───────▼────────┐        ┌────────▼────────┐           │
	│  │    Postgres    │        │       Mem       │           │
	│  │  sqlx + lib/pq │        │  mutex + maps   │           │
	│  │  row locks     │        │  dev mode and   │           │
	│  │  SKIP LOCKED   │        │  test double    │           │
	│  └────────────────┘        └─────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# The Dispatch Transaction

AssignNextBuild is where correctness under concurrency lives. Within
one transaction it:

 1. locks the worker row (FOR UPDATE) and verifies the worker is idle
    with an unexpired token
 2. claims the oldest pending build with FOR UPDATE SKIP LOCKED, so
    concurrent pollers land on different rows instead of queueing
 3. marks the build assigned with the freshly minted OTP, the worker
    building, and appends a build log line

The worker row lock is the rendezvous between dispatch,
re-registration (ReRegisterWorker) and unregister: no two of those can
interleave on the same worker. An empty claim commits and returns
(nil, nil); any failure rolls the whole transaction back and the build
stays pending.

Transactions are bounded by timeout class (5 s for dispatch and
registration, 30 s for upload metadata, 10 s for reads) and retried
exactly once on a serialization failure or deadlock.

# Schema

Goose migrations embedded under migrations/ create the four tables
(builds, workers, build_logs, telemetry_samples) and the indexes that
back dispatch ordering, worker-token lookup and the liveness scans.

# Integration Points

  - pkg/dispatch: AssignNextBuild / AssignBuildToWorker
  - pkg/supervisor: ListStuckBuilds, ListStaleWorkers, FailBuild,
    UnregisterWorker
  - pkg/auth: GetWorkerByToken, HeartbeatWorker, ExchangeOTP
  - pkg/api: everything else

# See Also

  - pkg/types for the transition table both backends share
*/
package store
