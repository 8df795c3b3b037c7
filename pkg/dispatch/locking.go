package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/token"
	"github.com/hangarci/hangar/pkg/types"
)

// LockingEngine dispatches through the store's assignment transaction.
// The database is the queue: concurrent pollers are serialized by row
// locks, and SKIP LOCKED keeps them from queueing on the same build.
type LockingEngine struct {
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewLockingEngine creates the default engine.
func NewLockingEngine(s store.Store, broker *events.Broker) *LockingEngine {
	return &LockingEngine{
		store:  s,
		broker: broker,
		logger: log.WithComponent("dispatch"),
	}
}

// NextForWorker claims the oldest pending build for the worker.
func (e *LockingEngine) NextForWorker(ctx context.Context, workerID string) (*types.Build, error) {
	timer := metrics.NewTimer()

	otp, err := token.NewOTP()
	if err != nil {
		return nil, err
	}
	build, err := e.store.AssignNextBuild(ctx, workerID, otp, time.Now().Add(token.OTPTTL))
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, nil
	}

	metrics.BuildsDispatched.Inc()
	timer.ObserveDuration(metrics.DispatchLatency)
	e.broker.Publish(events.BuildEvent(events.EventBuildAssigned, build.ID, "build assigned to worker "+workerID))
	e.logger.Info().
		Str("build_id", build.ID).
		Str("worker_id", workerID).
		Dur("latency", timer.Duration()).
		Msg("Build dispatched")
	return build, nil
}

// Enqueue is a notification no-op: a pending row in the database is
// already eligible for the next assignment transaction.
func (e *LockingEngine) Enqueue(_ *types.Build) error {
	return nil
}

// Accepting always reports true; backpressure is the database's job.
func (e *LockingEngine) Accepting() bool {
	return true
}

// QueueDepth counts pending builds in the store.
func (e *LockingEngine) QueueDepth(ctx context.Context) (int, error) {
	stats, err := e.store.Statistics(ctx)
	if err != nil {
		return 0, err
	}
	return stats.QueueDepth, nil
}

// Start is a no-op; the engine holds no background state.
func (e *LockingEngine) Start() error { return nil }

// Stop is a no-op.
func (e *LockingEngine) Stop() {}
