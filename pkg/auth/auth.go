package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/token"
	"github.com/hangarci/hangar/pkg/types"
)

// Credential labels for the auth failure counter. Never log or count
// the credential values themselves.
const (
	credAdmin     = "admin_key"
	credWorker    = "worker_token"
	credSubmitter = "build_token"
	credVM        = "vm_token"
	credOTP       = "otp"
)

// Authenticator validates every credential kind the controller
// accepts. Each method returns the authenticated principal or a
// domain error; all secret comparisons are constant-time, and 401s
// never reveal whether the credential was missing, unknown or expired.
type Authenticator struct {
	store  store.Store
	apiKey string
}

// New creates an Authenticator over the repository and the process
// admin key.
func New(s store.Store, apiKey string) *Authenticator {
	return &Authenticator{store: s, apiKey: apiKey}
}

// errUnauthenticated is the uniform 401. One value for missing,
// unknown and expired credentials keeps the response shape identical.
func errUnauthenticated() *types.Error {
	return types.NewError(types.KindAuthInvalid, "invalid credentials")
}

// equal is the constant-time string comparison used for every secret.
func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Admin validates the process-wide API key.
func (a *Authenticator) Admin(key string) error {
	if !equal(key, a.apiKey) {
		metrics.AuthFailures.WithLabelValues(credAdmin).Inc()
		return errUnauthenticated()
	}
	return nil
}

// WorkerByToken authenticates a worker by its rotating access token,
// accepting the current token or the one-shot grace token, either
// within its own expiry.
func (a *Authenticator) WorkerByToken(ctx context.Context, tok string) (*types.Worker, error) {
	if tok == "" {
		metrics.AuthFailures.WithLabelValues(credWorker).Inc()
		return nil, errUnauthenticated()
	}
	worker, err := a.store.GetWorkerByToken(ctx, tok)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(credWorker).Inc()
		return nil, errUnauthenticated()
	}

	now := time.Now()
	current := equal(tok, worker.AccessToken) && !now.After(worker.AccessTokenExpiresAt)
	grace := worker.PrevToken != nil && equal(tok, *worker.PrevToken) &&
		!token.Expired(worker.PrevTokenExpiresAt, now)
	if !current && !grace {
		metrics.AuthFailures.WithLabelValues(credWorker).Inc()
		return nil, errUnauthenticated()
	}

	// Every authenticated request counts as liveness, not just polls
	// and heartbeats.
	if err := a.store.TouchWorker(ctx, worker.ID); err != nil {
		return nil, err
	}
	return worker, nil
}

// WorkerByID authenticates a worker by bare id. Legacy path: callers
// must have validated the admin key first.
func (a *Authenticator) WorkerByID(ctx context.Context, id string) (*types.Worker, error) {
	worker, err := a.store.GetWorker(ctx, id)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(credWorker).Inc()
		return nil, errUnauthenticated()
	}
	return worker, nil
}

// Submitter authenticates a client against one build's access token.
func (a *Authenticator) Submitter(ctx context.Context, buildID, tok string) (*types.Build, error) {
	if tok == "" {
		metrics.AuthFailures.WithLabelValues(credSubmitter).Inc()
		return nil, errUnauthenticated()
	}
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(credSubmitter).Inc()
		return nil, errUnauthenticated()
	}
	if !equal(tok, build.AccessToken) {
		metrics.AuthFailures.WithLabelValues(credSubmitter).Inc()
		return nil, types.NewError(types.KindForbidden, "access denied")
	}
	return build, nil
}

// VM authenticates the in-VM build runner against one build's VM token.
func (a *Authenticator) VM(ctx context.Context, buildID, tok string) (*types.Build, error) {
	if tok == "" {
		metrics.AuthFailures.WithLabelValues(credVM).Inc()
		return nil, errUnauthenticated()
	}
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(credVM).Inc()
		return nil, errUnauthenticated()
	}
	if build.VMToken == nil || !equal(tok, *build.VMToken) ||
		token.Expired(build.VMTokenExpiresAt, time.Now()) {
		metrics.AuthFailures.WithLabelValues(credVM).Inc()
		return nil, errUnauthenticated()
	}
	return build, nil
}

// WorkerOwnsBuild verifies an authenticated worker is the one the
// build is assigned to. Runs after authentication, so a mismatch is a
// scope failure, not a credential one.
func (a *Authenticator) WorkerOwnsBuild(worker *types.Worker, build *types.Build) error {
	if build.WorkerID == nil || *build.WorkerID != worker.ID {
		return types.NewError(types.KindForbidden, "build is not assigned to this worker")
	}
	return nil
}

// ExchangeOTP swaps a build's one-time password for a freshly minted
// VM token. The store consumes the OTP under the build row lock, so a
// concurrent second exchange loses.
func (a *Authenticator) ExchangeOTP(ctx context.Context, buildID, otp string) (*types.Build, string, error) {
	if otp == "" {
		metrics.AuthFailures.WithLabelValues(credOTP).Inc()
		return nil, "", errUnauthenticated()
	}
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(credOTP).Inc()
		return nil, "", errUnauthenticated()
	}
	if build.OTP == nil || !equal(otp, *build.OTP) ||
		token.Expired(build.OTPExpiresAt, time.Now()) {
		metrics.AuthFailures.WithLabelValues(credOTP).Inc()
		return nil, "", errUnauthenticated()
	}

	vmToken, err := token.NewVMToken()
	if err != nil {
		return nil, "", err
	}
	updated, err := a.store.ExchangeOTP(ctx, buildID, otp, vmToken, time.Now().Add(token.VMTokenTTL))
	if err != nil {
		if types.KindOf(err) == types.KindAuthInvalid {
			metrics.AuthFailures.WithLabelValues(credOTP).Inc()
			return nil, "", errUnauthenticated()
		}
		return nil, "", err
	}
	return updated, vmToken, nil
}
