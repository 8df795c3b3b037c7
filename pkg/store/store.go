package store

import (
	"context"
	"time"

	"github.com/hangarci/hangar/pkg/types"
)

// Sentinel domain errors shared by both implementations. Handlers and
// engines discriminate with errors.Is; the kinds map onto the HTTP
// envelope in pkg/api.
var (
	// ErrWorkerBusy means the worker already holds a build and cannot
	// be assigned another.
	ErrWorkerBusy = types.NewError(types.KindConflict, "worker is busy")

	// ErrWorkerOffline means the worker row exists but is offline and
	// must re-register before receiving work.
	ErrWorkerOffline = types.NewError(types.KindConflict, "worker is offline")

	// ErrTokenExpired means the worker's access token has passed its
	// expiry; dispatch refuses to assign work to it.
	ErrTokenExpired = types.NewError(types.KindAuthInvalid, "invalid credentials")
)

// BuildFilter narrows ListBuilds. Zero values mean "any".
type BuildFilter struct {
	Status   types.BuildStatus
	WorkerID string
	Limit    int
}

// Store is the repository over builds, workers, logs and telemetry.
// Every method takes a context; implementations bound each operation
// with the timeout class it belongs to. Multi-row mutations that cross
// the state machine run inside one transaction with row locks, and all
// transition checks go through types.ValidateTransition so both
// implementations enforce the same graph.
type Store interface {
	// Builds
	CreateBuild(ctx context.Context, build *types.Build) error
	GetBuild(ctx context.Context, id string) (*types.Build, error)

	// DeleteBuild removes a pending build row. Rolls back a submission
	// the dispatch queue refused; any other state is a Conflict.
	DeleteBuild(ctx context.Context, id string) error
	ListBuilds(ctx context.Context, filter BuildFilter) ([]*types.Build, error)
	ListActiveBuilds(ctx context.Context) ([]*types.Build, error)

	// CancelBuild cancels a pending build. Active builds are failed
	// with the given message and their worker freed; terminal builds
	// return IllegalTransition. The resulting status is returned.
	CancelBuild(ctx context.Context, id, message string) (types.BuildStatus, error)

	// HeartbeatBuild records VM liveness: last_heartbeat_at is set to
	// now and an assigned build moves to building (started_at on the
	// first transition).
	HeartbeatBuild(ctx context.Context, id string) (*types.Build, error)

	// CompleteBuild transitions an active build to completed, records
	// the result key, frees the worker and increments its completed
	// counter, all in one transaction.
	CompleteBuild(ctx context.Context, id, resultPath string) (*types.Build, error)

	// FailBuild transitions an active build to failed. The worker is
	// freed; its failure counter is incremented only when fromWorker
	// is true (supervisor timeouts are attribution-free).
	FailBuild(ctx context.Context, id, message string, fromWorker bool) (*types.Build, error)

	// RequeueBuild returns an active build to pending: worker_id and
	// the assignment timestamps are cleared and the worker freed
	// without touching its counters.
	RequeueBuild(ctx context.Context, id string) (*types.Build, error)

	// ExchangeOTP consumes a build's one-time password under a row
	// lock: the presented OTP must match and be unexpired, the VM
	// token is stored and the OTP cleared, all in one transaction.
	ExchangeOTP(ctx context.Context, id, otp, vmToken string, vmTokenExpiresAt time.Time) (*types.Build, error)

	// Build observability
	AppendBuildLog(ctx context.Context, buildID, level, message string) error
	ListBuildLogs(ctx context.Context, buildID string, limit int) ([]*types.BuildLog, error)
	AddTelemetry(ctx context.Context, sample *types.TelemetrySample) error
	ListTelemetry(ctx context.Context, buildID string, limit int) ([]*types.TelemetrySample, error)

	// Workers
	CreateWorker(ctx context.Context, worker *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	GetWorkerByToken(ctx context.Context, token string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)

	// ReRegisterWorker rotates an existing worker's token under the
	// same row lock dispatch takes. Status and any assigned builds are
	// preserved; re-registration is not a reset.
	ReRegisterWorker(ctx context.Context, id, name string, caps types.Capabilities, newToken string, expiresAt time.Time) (*types.Worker, error)

	// HeartbeatWorker refreshes last_seen_at and rotates the access
	// token: the presented token becomes the one-shot grace token
	// (cleared instead when it was already the grace token), newToken
	// becomes current. An offline worker presenting a valid token is
	// reactivated to idle.
	HeartbeatWorker(ctx context.Context, id, presentedToken, newToken string, expiresAt time.Time) (*types.Worker, error)

	// TouchWorker refreshes last_seen_at without rotating.
	TouchWorker(ctx context.Context, id string) error

	// UnregisterWorker requeues every active build the worker holds
	// and marks the worker offline, in one transaction. Returns the
	// number of builds reassigned.
	UnregisterWorker(ctx context.Context, id string) (int, error)

	// Dispatch
	//
	// AssignNextBuild atomically assigns the oldest pending build to
	// an idle worker: the worker row is locked first, then the build
	// row is claimed so that concurrent pollers land on different
	// builds. (nil, nil) means nothing is pending.
	AssignNextBuild(ctx context.Context, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error)

	// AssignBuildToWorker assigns one specific pending build, used by
	// the serialized fallback engine. Conflict means the build was
	// claimed or left pending state in the meantime.
	AssignBuildToWorker(ctx context.Context, buildID, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error)

	// Supervisor scans
	ListStuckBuilds(ctx context.Context, cutoff time.Time) ([]*types.Build, error)
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*types.Worker, error)

	// Aggregates
	Statistics(ctx context.Context) (*types.Stats, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
