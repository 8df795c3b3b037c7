package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

func newTestSupervisor(t *testing.T, s store.Store, buildTimeout, workerTimeout time.Duration) *Supervisor {
	t.Helper()
	cfg := &config.Config{
		BuildHeartbeatTimeout: buildTimeout,
		WorkerOfflineTimeout:  workerTimeout,
		LivenessScanInterval:  time.Hour,
	}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(cfg, s, broker)
}

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

func seedAssignedBuild(t *testing.T, s store.Store, buildID, workerID string) *types.Build {
	t.Helper()
	src := "builds/" + buildID + "/source"
	b := &types.Build{
		ID:          buildID,
		Platform:    types.PlatformIOS,
		Status:      types.BuildStatusPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  &src,
		AccessToken: "build-token-" + buildID,
	}
	require.NoError(t, s.CreateBuild(context.Background(), b))
	assigned, err := s.AssignNextBuild(context.Background(), workerID, "otp-"+buildID, time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, assigned)
	return assigned
}

func TestSweepFailsStuckBuild(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	sup := newTestSupervisor(t, s, time.Millisecond, time.Hour)

	w := seedWorker(t, s, "w1")
	b := seedAssignedBuild(t, s, "b1", w.ID)

	time.Sleep(10 * time.Millisecond)
	sup.Sweep(ctx)

	build, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)
	require.NotNil(t, build.ErrorMessage)
	assert.Contains(t, *build.ErrorMessage, "no heartbeat")

	// The worker is freed and a timeout is never charged against it.
	worker, err := s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, worker.Status)
	assert.Equal(t, 0, worker.BuildsFailed)
}

func TestSweepSparesHeartbeatingBuild(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	sup := newTestSupervisor(t, s, time.Minute, time.Hour)

	w := seedWorker(t, s, "w1")
	b := seedAssignedBuild(t, s, "b1", w.ID)
	_, err := s.HeartbeatBuild(ctx, b.ID)
	require.NoError(t, err)

	sup.Sweep(ctx)

	build, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusBuilding, build.Status)
}

func TestSweepTakesSilentWorkerOffline(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	sup := newTestSupervisor(t, s, time.Hour, time.Millisecond)

	w := seedWorker(t, s, "w1")
	b := seedAssignedBuild(t, s, "b1", w.ID)
	_, err := s.HeartbeatBuild(ctx, b.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	sup.Sweep(ctx)

	worker, err := s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, worker.Status)

	// The build the worker held is back in line, scrubbed of its
	// assignment.
	build, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, build.Status)
	assert.Nil(t, build.WorkerID)
}

func TestSweepOrderBuildsBeforeWorkers(t *testing.T) {
	s := store.NewMem()
	ctx := context.Background()
	sup := newTestSupervisor(t, s, time.Millisecond, time.Millisecond)

	w := seedWorker(t, s, "w1")
	b := seedAssignedBuild(t, s, "b1", w.ID)

	time.Sleep(10 * time.Millisecond)
	sup.Sweep(ctx)

	// The stuck build fails in the build pass; the worker pass then
	// takes the freed worker offline. The build must not be requeued.
	build, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)

	worker, err := s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, worker.Status)
}

func TestStartStop(t *testing.T) {
	s := store.NewMem()
	sup := newTestSupervisor(t, s, time.Hour, time.Hour)

	sup.Start()
	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
