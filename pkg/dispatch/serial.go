package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/token"
	"github.com/hangarci/hangar/pkg/types"
)

// queued is one entry in the serial engine's in-memory FIFO.
type queued struct {
	id          string
	submittedAt time.Time
}

type assignResult struct {
	build *types.Build
	err   error
}

type assignRequest struct {
	ctx      context.Context
	workerID string
	resp     chan assignResult
}

// SerialEngine serves assignments from a single actor goroutine that
// owns an in-memory FIFO. The queue is rebuilt from pending rows at
// Start, so a restart loses nothing; it exists for stores without row
// locking and for deployments that want strictly serial dispatch.
type SerialEngine struct {
	store     store.Store
	broker    *events.Broker
	highWater int
	logger    zerolog.Logger

	mu    sync.Mutex
	queue []queued

	reqCh  chan assignRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSerialEngine creates the fallback engine. highWater bounds the
// queue; zero or negative means unbounded.
func NewSerialEngine(s store.Store, broker *events.Broker, highWater int) *SerialEngine {
	return &SerialEngine{
		store:     s,
		broker:    broker,
		highWater: highWater,
		logger:    log.WithComponent("dispatch"),
		reqCh:     make(chan assignRequest),
		stopCh:    make(chan struct{}),
	}
}

// Start restores the pending queue from the store and spawns the
// actor loop.
func (e *SerialEngine) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := e.store.ListBuilds(ctx, store.BuildFilter{Status: types.BuildStatusPending})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.queue = e.queue[:0]
	for _, b := range pending {
		e.queue = append(e.queue, queued{id: b.ID, submittedAt: b.SubmittedAt})
	}
	e.sortLocked()
	depth := len(e.queue)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
	e.logger.Info().Int("pending", depth).Msg("Serial dispatch engine started")
	return nil
}

// Stop shuts the actor down and waits for it.
func (e *SerialEngine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Enqueue appends a submitted build, refusing above the high-water
// mark so the submission endpoint can shed load.
func (e *SerialEngine) Enqueue(build *types.Build) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.highWater > 0 && len(e.queue) >= e.highWater {
		return types.NewError(types.KindServiceUnavailable, "build queue is full")
	}
	e.queue = append(e.queue, queued{id: build.ID, submittedAt: build.SubmittedAt})
	e.sortLocked()
	return nil
}

// Accepting reports whether the queue is below the high-water mark.
func (e *SerialEngine) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highWater <= 0 || len(e.queue) < e.highWater
}

// QueueDepth returns the in-memory queue length.
func (e *SerialEngine) QueueDepth(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue), nil
}

// NextForWorker hands the request to the actor and waits.
func (e *SerialEngine) NextForWorker(ctx context.Context, workerID string) (*types.Build, error) {
	req := assignRequest{ctx: ctx, workerID: workerID, resp: make(chan assignResult, 1)}
	select {
	case e.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopCh:
		return nil, types.NewError(types.KindServiceUnavailable, "dispatch engine is shutting down")
	}
	select {
	case res := <-req.resp:
		return res.build, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *SerialEngine) run() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.reqCh:
			req.resp <- e.serve(req)
		case <-e.stopCh:
			return
		}
	}
}

// serve walks the queue head-first until an assignment sticks, the
// queue empties, or the worker itself is at fault.
func (e *SerialEngine) serve(req assignRequest) assignResult {
	timer := metrics.NewTimer()
	for {
		id, ok := e.popHead()
		if !ok {
			return assignResult{}
		}

		otp, err := token.NewOTP()
		if err != nil {
			e.pushHead(id)
			return assignResult{err: err}
		}
		build, err := e.store.AssignBuildToWorker(req.ctx, id, req.workerID, otp, time.Now().Add(token.OTPTTL))
		if err != nil {
			if errors.Is(err, store.ErrWorkerBusy) || errors.Is(err, store.ErrWorkerOffline) ||
				errors.Is(err, store.ErrTokenExpired) {
				// Worker at fault: the build keeps its place in line.
				e.pushHead(id)
				return assignResult{err: err}
			}
			if types.KindOf(err) == types.KindConflict || types.KindOf(err) == types.KindNotFound {
				// Build cancelled or claimed elsewhere; drop it and
				// keep walking.
				e.logger.Debug().Str("build_id", id).Msg("Skipping queue entry that is no longer pending")
				continue
			}
			e.pushHead(id)
			return assignResult{err: err}
		}

		metrics.BuildsDispatched.Inc()
		timer.ObserveDuration(metrics.DispatchLatency)
		e.broker.Publish(events.BuildEvent(events.EventBuildAssigned, build.ID, "build assigned to worker "+req.workerID))
		e.logger.Info().
			Str("build_id", build.ID).
			Str("worker_id", req.workerID).
			Dur("latency", timer.Duration()).
			Msg("Build dispatched")
		return assignResult{build: build}
	}
}

func (e *SerialEngine) popHead() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	head := e.queue[0]
	e.queue = e.queue[1:]
	return head.id, true
}

func (e *SerialEngine) pushHead(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append([]queued{{id: id}}, e.queue...)
}

// sortLocked keeps the FIFO ordered by submission time, ties broken
// by id so the order is deterministic.
func (e *SerialEngine) sortLocked() {
	sort.SliceStable(e.queue, func(i, j int) bool {
		if e.queue[i].submittedAt.Equal(e.queue[j].submittedAt) {
			return e.queue[i].id < e.queue[j].id
		}
		return e.queue[i].submittedAt.Before(e.queue[j].submittedAt)
	})
}
