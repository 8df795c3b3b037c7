package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarci/hangar/pkg/types"
)

func newTestWorker(t *testing.T, s Store, id string) *types.Worker {
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

func newTestBuild(t *testing.T, s Store, id string, submittedAt time.Time) *types.Build {
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

func TestMemAssignNextBuildFIFO(t *testing.T) {
	s := NewMem()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	// Insert out of order; dispatch must follow submitted_at.
	newTestBuild(t, s, "b3", base.Add(3*time.Second))
	newTestBuild(t, s, "b1", base.Add(1*time.Second))
	newTestBuild(t, s, "b2", base.Add(2*time.Second))

	var got []string
	for i := 0; i < 3; i++ {
		w := newTestWorker(t, s, fmt.Sprintf("w%d", i))
		build, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, build)
		got = append(got, build.ID)
	}
	assert.Equal(t, []string{"b1", "b2", "b3"}, got)
}

func TestMemAssignNextBuildTiesBreakByID(t *testing.T) {
	s := NewMem()
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute)

	newTestBuild(t, s, "zzz", at)
	newTestBuild(t, s, "aaa", at)
	w := newTestWorker(t, s, "w1")

	build, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, "aaa", build.ID)
}

func TestMemAssignNextBuildStateAfterAssign(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	w := newTestWorker(t, s, "w1")

	build, err := s.AssignNextBuild(ctx, w.ID, "otp-1", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, build)

	stored, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusAssigned, stored.Status)
	require.NotNil(t, stored.WorkerID)
	assert.Equal(t, "w1", *stored.WorkerID)
	assert.NotNil(t, stored.AssignedAt)
	require.NotNil(t, stored.OTP)
	assert.Equal(t, "otp-1", *stored.OTP)

	worker, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBuilding, worker.Status)

	logs, err := s.ListBuildLogs(ctx, "b1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestMemAssignNextBuildRefusals(t *testing.T) {
	ctx := context.Background()
	otpExpiry := time.Now().Add(10 * time.Minute)

	t.Run("no pending builds", func(t *testing.T) {
		s := NewMem()
		w := newTestWorker(t, s, "w1")
		build, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		require.NoError(t, err)
		assert.Nil(t, build)
	})

	t.Run("busy worker", func(t *testing.T) {
		s := NewMem()
		newTestBuild(t, s, "b1", time.Now().UTC())
		newTestBuild(t, s, "b2", time.Now().UTC())
		w := newTestWorker(t, s, "w1")
		_, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		require.NoError(t, err)
		_, err = s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		assert.ErrorIs(t, err, ErrWorkerBusy)
	})

	t.Run("offline worker", func(t *testing.T) {
		s := NewMem()
		newTestBuild(t, s, "b1", time.Now().UTC())
		w := newTestWorker(t, s, "w1")
		_, err := s.UnregisterWorker(ctx, w.ID)
		require.NoError(t, err)
		_, err = s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		assert.ErrorIs(t, err, ErrWorkerOffline)
	})

	t.Run("expired token", func(t *testing.T) {
		s := NewMem()
		newTestBuild(t, s, "b1", time.Now().UTC())
		now := time.Now().UTC()
		w := &types.Worker{
			ID:                   "w1",
			Status:               types.WorkerStatusIdle,
			AccessToken:          "tok",
			AccessTokenExpiresAt: now.Add(-time.Second),
			LastSeenAt:           now,
			RegisteredAt:         now,
		}
		require.NoError(t, s.CreateWorker(ctx, w))
		_, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		assert.ErrorIs(t, err, ErrTokenExpired)

		// The build stays pending.
		b, err := s.GetBuild(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, types.BuildStatusPending, b.Status)
	})

	t.Run("unknown worker", func(t *testing.T) {
		s := NewMem()
		_, err := s.AssignNextBuild(ctx, "nope", "otp", otpExpiry)
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})
}

func TestMemDeleteBuild(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	require.NoError(t, s.AppendBuildLog(ctx, "b1", "info", "queued"))

	require.NoError(t, s.DeleteBuild(ctx, "b1"))
	_, err := s.GetBuild(ctx, "b1")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	logs, err := s.ListBuildLogs(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// Only pending rows are deletable.
	newTestBuild(t, s, "b2", time.Now().UTC())
	newTestWorker(t, s, "w1")
	_, err = s.AssignNextBuild(ctx, "w1", "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	err = s.DeleteBuild(ctx, "b2")
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	err = s.DeleteBuild(ctx, "nope")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestMemIllegalTransitionsLeaveBuildUnchanged(t *testing.T) {
	ctx := context.Background()
	otpExpiry := time.Now().Add(10 * time.Minute)

	tests := []struct {
		name    string
		prepare func(t *testing.T, s Store) string
		attempt func(s Store, id string) error
	}{
		{
			name: "complete pending build",
			prepare: func(t *testing.T, s Store) string {
				newTestBuild(t, s, "b1", time.Now().UTC())
				return "b1"
			},
			attempt: func(s Store, id string) error {
				_, err := s.CompleteBuild(ctx, id, "builds/b1/result")
				return err
			},
		},
		{
			name: "fail pending build",
			prepare: func(t *testing.T, s Store) string {
				newTestBuild(t, s, "b1", time.Now().UTC())
				return "b1"
			},
			attempt: func(s Store, id string) error {
				_, err := s.FailBuild(ctx, id, "boom", true)
				return err
			},
		},
		{
			name: "requeue pending build",
			prepare: func(t *testing.T, s Store) string {
				newTestBuild(t, s, "b1", time.Now().UTC())
				return "b1"
			},
			attempt: func(s Store, id string) error {
				_, err := s.RequeueBuild(ctx, id)
				return err
			},
		},
		{
			name: "cancel completed build",
			prepare: func(t *testing.T, s Store) string {
				newTestBuild(t, s, "b1", time.Now().UTC())
				w := newTestWorker(t, s, "w1")
				_, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
				require.NoError(t, err)
				_, err = s.CompleteBuild(ctx, "b1", "builds/b1/result")
				require.NoError(t, err)
				return "b1"
			},
			attempt: func(s Store, id string) error {
				_, err := s.CancelBuild(ctx, id, "cancelled by operator")
				return err
			},
		},
		{
			name: "heartbeat cancelled build",
			prepare: func(t *testing.T, s Store) string {
				newTestBuild(t, s, "b1", time.Now().UTC())
				_, err := s.CancelBuild(ctx, "b1", "cancelled by operator")
				require.NoError(t, err)
				return "b1"
			},
			attempt: func(s Store, id string) error {
				_, err := s.HeartbeatBuild(ctx, id)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMem()
			id := tt.prepare(t, s)

			before, err := s.GetBuild(ctx, id)
			require.NoError(t, err)

			err = tt.attempt(s, id)
			require.Error(t, err)
			assert.Equal(t, types.KindIllegalTransition, types.KindOf(err))

			after, err := s.GetBuild(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.WorkerID, after.WorkerID)
			assert.Equal(t, before.ResultPath, after.ResultPath)
			assert.Equal(t, before.ErrorMessage, after.ErrorMessage)
		})
	}
}

func TestMemBuildLifecycleInvariants(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	w := newTestWorker(t, s, "w1")
	_, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	// assigned -> building on first heartbeat, started_at recorded.
	b, err := s.HeartbeatBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusBuilding, b.Status)
	require.NotNil(t, b.StartedAt)
	require.NotNil(t, b.LastHeartbeatAt)

	// Second heartbeat keeps building and refreshes liveness only.
	started := *b.StartedAt
	b2, err := s.HeartbeatBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusBuilding, b2.Status)
	assert.Equal(t, started, *b2.StartedAt)

	// Completion records result_path and frees the worker with the
	// completed counter bumped.
	done, err := s.CompleteBuild(ctx, "b1", "builds/b1/result")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCompleted, done.Status)
	require.NotNil(t, done.ResultPath)
	assert.NotNil(t, done.CompletedAt)

	worker, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, worker.Status)
	assert.Equal(t, 1, worker.BuildsCompleted)
	assert.Equal(t, 0, worker.BuildsFailed)
}

func TestMemFailBuildCounterAttribution(t *testing.T) {
	ctx := context.Background()
	otpExpiry := time.Now().Add(10 * time.Minute)

	t.Run("worker-reported failure increments", func(t *testing.T) {
		s := NewMem()
		newTestBuild(t, s, "b1", time.Now().UTC())
		w := newTestWorker(t, s, "w1")
		_, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		require.NoError(t, err)

		_, err = s.FailBuild(ctx, "b1", "xcodebuild exited 65", true)
		require.NoError(t, err)
		worker, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 1, worker.BuildsFailed)
		assert.Equal(t, types.WorkerStatusIdle, worker.Status)
	})

	t.Run("supervisor timeout does not increment", func(t *testing.T) {
		s := NewMem()
		newTestBuild(t, s, "b1", time.Now().UTC())
		w := newTestWorker(t, s, "w1")
		_, err := s.AssignNextBuild(ctx, w.ID, "otp", otpExpiry)
		require.NoError(t, err)

		_, err = s.FailBuild(ctx, "b1", "no heartbeat / timeout", false)
		require.NoError(t, err)
		worker, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 0, worker.BuildsFailed)
	})
}

func TestMemUnregisterReassignsAllActiveBuilds(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	w := newTestWorker(t, s, "w1")
	newTestBuild(t, s, "b1", time.Now().UTC())
	_, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.HeartbeatBuild(ctx, "b1")
	require.NoError(t, err)

	n, err := s.UnregisterWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, b.Status)
	assert.Nil(t, b.WorkerID)
	assert.Nil(t, b.AssignedAt)
	assert.Nil(t, b.LastHeartbeatAt)

	worker, err := s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, worker.Status)
	assert.Equal(t, 0, worker.BuildsCompleted)
	assert.Equal(t, 0, worker.BuildsFailed)
}

func TestMemHeartbeatWorkerRotation(t *testing.T) {
	s := NewMem()
	ctx := context.Background()
	w := newTestWorker(t, s, "w1")
	expiry := time.Now().UTC().Add(90 * time.Second)

	// Normal rotation arms the grace slot with the presented token.
	rotated, err := s.HeartbeatWorker(ctx, w.ID, w.AccessToken, "token-2", expiry)
	require.NoError(t, err)
	assert.Equal(t, "token-2", rotated.AccessToken)
	require.NotNil(t, rotated.PrevToken)
	assert.Equal(t, w.AccessToken, *rotated.PrevToken)

	// Grace use rotates again and clears the slot.
	rotated, err = s.HeartbeatWorker(ctx, w.ID, w.AccessToken, "token-3", expiry)
	require.NoError(t, err)
	assert.Equal(t, "token-3", rotated.AccessToken)
	assert.Nil(t, rotated.PrevToken)

	// The original token no longer resolves to the worker.
	_, err = s.GetWorkerByToken(ctx, w.AccessToken)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	// The latest token does.
	found, err := s.GetWorkerByToken(ctx, "token-3")
	require.NoError(t, err)
	assert.Equal(t, w.ID, found.ID)
}

func TestMemHeartbeatWorkerReactivatesOffline(t *testing.T) {
	s := NewMem()
	ctx := context.Background()
	w := newTestWorker(t, s, "w1")
	_, err := s.UnregisterWorker(ctx, w.ID)
	require.NoError(t, err)

	rotated, err := s.HeartbeatWorker(ctx, w.ID, w.AccessToken, "token-2", time.Now().Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, rotated.Status)
}

func TestMemReRegisterPreservesAssignedBuilds(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	w := newTestWorker(t, s, "w1")
	newTestBuild(t, s, "b1", time.Now().UTC())
	_, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	rotated, err := s.ReRegisterWorker(ctx, w.ID, "mac-mini-2", types.Capabilities{"xcode": "16.3"}, "fresh-token", time.Now().Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBuilding, rotated.Status)
	assert.Equal(t, "fresh-token", rotated.AccessToken)
	assert.Nil(t, rotated.PrevToken)

	b, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusAssigned, b.Status)
	require.NotNil(t, b.WorkerID)
	assert.Equal(t, w.ID, *b.WorkerID)
}

func TestMemExchangeOTPSingleUse(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	w := newTestWorker(t, s, "w1")
	assigned, err := s.AssignNextBuild(ctx, w.ID, "otp-secret", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, assigned.OTP)

	b, err := s.ExchangeOTP(ctx, "b1", "otp-secret", "vm-token", time.Now().Add(4*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, b.OTP)
	require.NotNil(t, b.VMToken)
	assert.Equal(t, "vm-token", *b.VMToken)

	// Second exchange with the same OTP fails: it was consumed.
	_, err = s.ExchangeOTP(ctx, "b1", "otp-secret", "vm-token-2", time.Now().Add(4*time.Hour))
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}

func TestMemExchangeOTPExpired(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	w := newTestWorker(t, s, "w1")
	_, err := s.AssignNextBuild(ctx, w.ID, "otp-secret", time.Now().Add(-time.Second))
	require.NoError(t, err)

	_, err = s.ExchangeOTP(ctx, "b1", "otp-secret", "vm-token", time.Now().Add(4*time.Hour))
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}

func TestMemSupervisorScans(t *testing.T) {
	s := NewMem()
	ctx := context.Background()
	now := time.Now().UTC()

	// b1 assigned long ago, never heartbeated: stuck.
	newTestBuild(t, s, "b1", now.Add(-time.Hour))
	w1 := newTestWorker(t, s, "w1")
	_, err := s.AssignNextBuild(ctx, w1.ID, "otp", now.Add(10*time.Minute))
	require.NoError(t, err)

	// b2 freshly assigned and heartbeating: healthy.
	newTestBuild(t, s, "b2", now)
	w2 := newTestWorker(t, s, "w2")
	_, err = s.AssignNextBuild(ctx, w2.ID, "otp", now.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.HeartbeatBuild(ctx, "b2")
	require.NoError(t, err)

	// Cutoff in the future relative to b1's assignment only after we
	// backdate it; AssignNextBuild stamped now, so backdate by hand.
	mem := s
	mem.mu.Lock()
	old := now.Add(-10 * time.Minute)
	mem.builds["b1"].AssignedAt = &old
	mem.mu.Unlock()

	stuck, err := s.ListStuckBuilds(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "b1", stuck[0].ID)

	// Stale workers: backdate w1's last_seen_at.
	mem.mu.Lock()
	mem.workers["w1"].LastSeenAt = old
	mem.mu.Unlock()

	stale, err := s.ListStaleWorkers(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "w1", stale[0].ID)
}

func TestMemStatistics(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	newTestBuild(t, s, "b1", time.Now().UTC())
	newTestBuild(t, s, "b2", time.Now().UTC())
	w := newTestWorker(t, s, "w1")
	_, err := s.AssignNextBuild(ctx, w.ID, "otp", time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Builds.Pending)
	assert.Equal(t, 1, stats.Builds.Assigned)
	assert.Equal(t, 2, stats.Builds.Total)
	assert.Equal(t, 1, stats.Workers.Building)
	assert.Equal(t, 1, stats.QueueDepth)
}
