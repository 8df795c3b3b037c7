/*
Package events provides an in-memory event broker for Hangar's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
controller events to interested subscribers. It supports asynchronous
event delivery with per-subscriber buffering, enabling loose coupling
between the dispatch engine, the liveness supervisor and the SSE
dashboard channel.

# Architecture

Hangar's event system provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Build Events:                              │          │
	│  │    - build.submitted                        │          │
	│  │    - build.assigned                         │          │
	│  │    - build.building                         │          │
	│  │    - build.completed                        │          │
	│  │    - build.failed                           │          │
	│  │    - build.cancelled                        │          │
	│  │    - build.requeued                         │          │
	│  │                                              │          │
	│  │  Worker Events:                             │          │
	│  │    - worker.registered                      │          │
	│  │    - worker.idle                            │          │
	│  │    - worker.offline                         │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  API Server: Stream events over SSE         │          │
	│  │  Dashboards: queue/worker/build activity    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Delivery Semantics

Publish never blocks the caller: events flow through a buffered channel
into a broadcast loop, and a subscriber whose buffer is full misses the
event rather than stalling the publisher. Subscribers are dashboards;
the database is the source of truth, so dropped events are cosmetic.

Event metadata carries display fields only (build_id, worker_id,
platform, status). Credentials never appear in events.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.BuildEvent(events.EventBuildSubmitted, build.ID, "build submitted"))

	for event := range sub {
		fmt.Printf("[%s] %s\n", event.Type, event.Message)
	}

# Integration Points

  - pkg/dispatch: publishes build.assigned after a successful dispatch
  - pkg/supervisor: publishes build.failed / worker.offline on sweeps
  - pkg/api: publishes submission and upload events, streams /api/events
*/
package events
