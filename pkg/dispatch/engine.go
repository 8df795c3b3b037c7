package dispatch

import (
	"context"

	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

// Engine hands pending builds to polling workers. Implementations
// guarantee a build is assigned to at most one worker; the store's
// transition checks back them up.
type Engine interface {
	// NextForWorker assigns the oldest pending build to the worker and
	// returns it with its one-time password already persisted. Returns
	// (nil, nil) when the queue is empty.
	NextForWorker(ctx context.Context, workerID string) (*types.Build, error)

	// Enqueue makes a freshly submitted build eligible for dispatch.
	Enqueue(build *types.Build) error

	// Accepting reports whether Enqueue would currently succeed.
	Accepting() bool

	// QueueDepth returns the number of builds waiting for a worker.
	QueueDepth(ctx context.Context) (int, error)

	Start() error
	Stop()
}

// New selects the engine for the configured dispatch mode.
func New(cfg *config.Config, s store.Store, broker *events.Broker) Engine {
	if cfg.DispatchMode == config.DispatchModeSerial {
		return NewSerialEngine(s, broker, cfg.QueueHighWater)
	}
	return NewLockingEngine(s, broker)
}
