package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

const testAPIKey = "test-admin-key"

func newTestAuth(t *testing.T) (*Authenticator, *store.Mem) {
	t.Helper()
	s := store.NewMem()
	return New(s, testAPIKey), s
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

func seedBuild(t *testing.T, s store.Store, id string) *types.Build {
	t.Helper()
	src := "builds/" + id + "/source"
	b := &types.Build{
		ID:          id,
		Platform:    types.PlatformIOS,
		Status:      types.BuildStatusPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  &src,
		AccessToken: "build-token-" + id,
	}
	require.NoError(t, s.CreateBuild(context.Background(), b))
	return b
}

func TestAdmin(t *testing.T) {
	a, _ := newTestAuth(t)

	assert.NoError(t, a.Admin(testAPIKey))

	for _, key := range []string{"", "wrong", testAPIKey + "x"} {
		err := a.Admin(key)
		require.Error(t, err)
		assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
	}
}

func TestWorkerByToken(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")

	got, err := a.WorkerByToken(ctx, w.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	for name, tok := range map[string]string{
		"empty":   "",
		"unknown": "no-such-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.WorkerByToken(ctx, tok)
			require.Error(t, err)
			assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
		})
	}
}

func TestWorkerByTokenAcceptsGraceToken(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")
	old := w.AccessToken

	// Rotation arms the presented token as the one-shot grace slot.
	_, err := s.HeartbeatWorker(ctx, w.ID, old, "tok-next", time.Now().Add(90*time.Second))
	require.NoError(t, err)

	got, err := a.WorkerByToken(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	got, err = a.WorkerByToken(ctx, "tok-next")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

// Any authenticated request counts as liveness, so a worker busy
// streaming between polls never drifts toward the stale-worker cutoff.
func TestWorkerByTokenRefreshesLastSeen(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()

	now := time.Now().UTC()
	w := &types.Worker{
		ID:                   "w1",
		Name:                 "mac-mini-w1",
		Status:               types.WorkerStatusIdle,
		AccessToken:          "tok-w1",
		AccessTokenExpiresAt: now.Add(90 * time.Second),
		LastSeenAt:           now.Add(-time.Hour),
		RegisteredAt:         now.Add(-time.Hour),
	}
	require.NoError(t, s.CreateWorker(ctx, w))

	_, err := a.WorkerByToken(ctx, "tok-w1")
	require.NoError(t, err)

	got, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.WithinDuration(t, now, got.LastSeenAt, time.Minute)
}

func TestWorkerByTokenRejectsExpired(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")

	// Rotate with an already-passed expiry; the new token is dead on
	// arrival and the grace slot inherits the old (valid) expiry.
	_, err := s.HeartbeatWorker(ctx, w.ID, w.AccessToken, "tok-expired", time.Now().Add(-time.Second))
	require.NoError(t, err)

	_, err = a.WorkerByToken(ctx, "tok-expired")
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))

	// The grace token is still inside its window.
	_, err = a.WorkerByToken(ctx, w.AccessToken)
	assert.NoError(t, err)
}

func TestSubmitter(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	b := seedBuild(t, s, "b1")

	got, err := a.Submitter(ctx, b.ID, b.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = a.Submitter(ctx, b.ID, "wrong-token")
	require.Error(t, err)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	// Unknown builds yield the uniform 401, not a 404, so probing
	// build ids reveals nothing.
	_, err = a.Submitter(ctx, "no-such-build", b.AccessToken)
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}

func TestWorkerOwnsBuild(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w1 := seedWorker(t, s, "w1")
	w2 := seedWorker(t, s, "w2")
	seedBuild(t, s, "b1")

	assigned, err := s.AssignNextBuild(ctx, w1.ID, "otp-1", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, assigned)

	assert.NoError(t, a.WorkerOwnsBuild(w1, assigned))

	err = a.WorkerOwnsBuild(w2, assigned)
	require.Error(t, err)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	pending := seedBuild(t, s, "b2")
	err = a.WorkerOwnsBuild(w1, pending)
	require.Error(t, err)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))
}

func TestExchangeOTP(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")
	seedBuild(t, s, "b1")

	assigned, err := s.AssignNextBuild(ctx, w.ID, "otp-1", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, assigned)

	build, vmToken, err := a.ExchangeOTP(ctx, assigned.ID, "otp-1")
	require.NoError(t, err)
	assert.Len(t, vmToken, 48)
	assert.Nil(t, build.OTP)

	// The VM token works; the OTP does not work twice.
	got, err := a.VM(ctx, assigned.ID, vmToken)
	require.NoError(t, err)
	assert.Equal(t, assigned.ID, got.ID)

	_, _, err = a.ExchangeOTP(ctx, assigned.ID, "otp-1")
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}

func TestExchangeOTPRejectsWrongOrExpired(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")
	seedBuild(t, s, "b1")

	assigned, err := s.AssignNextBuild(ctx, w.ID, "otp-1", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NotNil(t, assigned)

	_, _, err = a.ExchangeOTP(ctx, assigned.ID, "wrong-otp")
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))

	// Correct OTP, but past its window.
	_, _, err = a.ExchangeOTP(ctx, assigned.ID, "otp-1")
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}

func TestVMRejectsExpiredToken(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	w := seedWorker(t, s, "w1")
	seedBuild(t, s, "b1")

	assigned, err := s.AssignNextBuild(ctx, w.ID, "otp-1", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, assigned)

	_, err = s.ExchangeOTP(ctx, assigned.ID, "otp-1", "vm-token-1", time.Now().Add(-time.Second))
	require.NoError(t, err)

	_, err = a.VM(ctx, assigned.ID, "vm-token-1")
	require.Error(t, err)
	assert.Equal(t, types.KindAuthInvalid, types.KindOf(err))
}
