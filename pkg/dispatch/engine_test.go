package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

func seedWorker(t *testing.T, s store.Store, id string) *types.Worker {
	t.Helper()
	now := time.Now().UTC()
	w := &types.Worker{
		ID:                   id,
		Name:                 "mac-mini-" + id,
		Capabilities:         types.Capabilities{"xcode": "16.2"},
		Status:               types.WorkerStatusIdle,
		AccessToken:          "tok-" + id,
		AccessTokenExpiresAt: now.Add(90 * time.Second),
		LastSeenAt:           now,
		RegisteredAt:         now,
	}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

func seedBuild(t *testing.T, s store.Store, id string, submittedAt time.Time) *types.Build {
	t.Helper()
	src := "builds/" + id + "/source"
	b := &types.Build{
		ID:          id,
		Platform:    types.PlatformIOS,
		Status:      types.BuildStatusPending,
		SubmittedAt: submittedAt,
		SourcePath:  &src,
		AccessToken: "build-token-" + id,
	}
	require.NoError(t, s.CreateBuild(context.Background(), b))
	return b
}

func newBroker(t *testing.T) *events.Broker {
	t.Helper()
	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

// Ten workers race for a single pending build; exactly one may win,
// every time.
func TestLockingEngineNoDoubleAssignment(t *testing.T) {
	const pollers = 10
	const trials = 100

	for trial := 0; trial < trials; trial++ {
		s := store.NewMem()
		engine := NewLockingEngine(s, newBroker(t))
		seedBuild(t, s, "b1", time.Now().UTC())

		workers := make([]*types.Worker, pollers)
		for i := range workers {
			workers[i] = seedWorker(t, s, fmt.Sprintf("w%d", i))
		}

		var wg sync.WaitGroup
		results := make([]*types.Build, pollers)
		errs := make([]error, pollers)
		for i := 0; i < pollers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = engine.NextForWorker(context.Background(), workers[i].ID)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "poller %d", i)
		}

		winners := 0
		for _, build := range results {
			if build != nil {
				winners++
				assert.Equal(t, "b1", build.ID)
				assert.Equal(t, types.BuildStatusAssigned, build.Status)
				assert.NotNil(t, build.OTP)
			}
		}
		require.Equal(t, 1, winners, "trial %d: build assigned %d times", trial, winners)
	}
}

func TestLockingEngineFIFO(t *testing.T) {
	s := store.NewMem()
	engine := NewLockingEngine(s, newBroker(t))
	base := time.Now().UTC().Add(-time.Minute)

	seedBuild(t, s, "b2", base.Add(2*time.Second))
	seedBuild(t, s, "b1", base.Add(time.Second))
	seedBuild(t, s, "b3", base.Add(3*time.Second))

	var got []string
	for i := 0; i < 3; i++ {
		w := seedWorker(t, s, fmt.Sprintf("w%d", i))
		build, err := engine.NextForWorker(context.Background(), w.ID)
		require.NoError(t, err)
		require.NotNil(t, build)
		got = append(got, build.ID)
	}
	assert.Equal(t, []string{"b1", "b2", "b3"}, got)

	// Queue drained.
	w := seedWorker(t, s, "w-late")
	build, err := engine.NextForWorker(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Nil(t, build)
}

func TestLockingEngineBusyWorker(t *testing.T) {
	s := store.NewMem()
	engine := NewLockingEngine(s, newBroker(t))
	w := seedWorker(t, s, "w1")
	seedBuild(t, s, "b1", time.Now().UTC())
	seedBuild(t, s, "b2", time.Now().UTC())

	_, err := engine.NextForWorker(context.Background(), w.ID)
	require.NoError(t, err)

	_, err = engine.NextForWorker(context.Background(), w.ID)
	assert.ErrorIs(t, err, store.ErrWorkerBusy)
}

func startSerial(t *testing.T, s store.Store, highWater int) *SerialEngine {
	t.Helper()
	engine := NewSerialEngine(s, newBroker(t), highWater)
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)
	return engine
}

func TestSerialEngineRestoresPendingQueue(t *testing.T) {
	s := store.NewMem()
	base := time.Now().UTC().Add(-time.Minute)
	seedBuild(t, s, "b2", base.Add(2*time.Second))
	seedBuild(t, s, "b1", base.Add(time.Second))

	engine := startSerial(t, s, 0)

	depth, err := engine.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	var got []string
	for i := 0; i < 2; i++ {
		w := seedWorker(t, s, fmt.Sprintf("w%d", i))
		build, err := engine.NextForWorker(context.Background(), w.ID)
		require.NoError(t, err)
		require.NotNil(t, build)
		got = append(got, build.ID)
	}
	assert.Equal(t, []string{"b1", "b2"}, got)
}

func TestSerialEngineHighWater(t *testing.T) {
	s := store.NewMem()
	engine := startSerial(t, s, 2)

	b1 := seedBuild(t, s, "b1", time.Now().UTC())
	b2 := seedBuild(t, s, "b2", time.Now().UTC())
	require.NoError(t, engine.Enqueue(b1))
	require.NoError(t, engine.Enqueue(b2))
	assert.False(t, engine.Accepting())

	b3 := seedBuild(t, s, "b3", time.Now().UTC())
	err := engine.Enqueue(b3)
	require.Error(t, err)
	assert.Equal(t, types.KindServiceUnavailable, types.KindOf(err))

	// Draining one entry reopens the queue.
	w := seedWorker(t, s, "w1")
	build, err := engine.NextForWorker(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.True(t, engine.Accepting())
	require.NoError(t, engine.Enqueue(b3))
}

func TestSerialEngineSkipsStaleEntries(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	seedBuild(t, s, "b1", base.Add(time.Second))
	seedBuild(t, s, "b2", base.Add(2*time.Second))

	engine := startSerial(t, s, 0)

	// b1 is cancelled after the queue was restored; the actor must
	// skip past it without failing the poll.
	_, err := s.CancelBuild(ctx, "b1", "cancelled by operator")
	require.NoError(t, err)

	w := seedWorker(t, s, "w1")
	build, err := engine.NextForWorker(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, "b2", build.ID)
}

func TestSerialEngineBusyWorkerKeepsQueue(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	seedBuild(t, s, "b1", time.Now().UTC())
	seedBuild(t, s, "b2", time.Now().UTC())

	engine := startSerial(t, s, 0)

	w := seedWorker(t, s, "w1")
	build, err := engine.NextForWorker(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, build)

	_, err = engine.NextForWorker(ctx, w.ID)
	assert.ErrorIs(t, err, store.ErrWorkerBusy)

	// The refused build is still first in line for the next worker.
	depth, err := engine.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	w2 := seedWorker(t, s, "w2")
	build, err = engine.NextForWorker(ctx, w2.ID)
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, "b2", build.ID)
}
