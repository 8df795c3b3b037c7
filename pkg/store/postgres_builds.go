package store

import (
	"context"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/hangarci/hangar/pkg/types"
)

const buildColumns = `id, platform, status, worker_id, submitted_at, assigned_at,
	started_at, completed_at, last_heartbeat_at, source_path, certs_path,
	result_path, error_message, access_token, otp, otp_expires_at, vm_token,
	vm_token_expires_at`

var insertBuildCmd = `INSERT INTO builds (` + buildColumns + `) VALUES (
	:id, :platform, :status, :worker_id, :submitted_at, :assigned_at,
	:started_at, :completed_at, :last_heartbeat_at, :source_path, :certs_path,
	:result_path, :error_message, :access_token, :otp, :otp_expires_at,
	:vm_token, :vm_token_expires_at)`

// CreateBuild inserts a new build row.
func (p *Postgres) CreateBuild(ctx context.Context, build *types.Build) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if _, err := p.db.NamedExecContext(ctx, insertBuildCmd, build); err != nil {
		if isUniqueViolation(err) {
			return types.NewError(types.KindConflict, "build already exists")
		}
		return fmt.Errorf("failed to insert build: %w", err)
	}
	return nil
}

// GetBuild fetches one build by id.
func (p *Postgres) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var build types.Build
	err := p.db.GetContext(ctx, &build,
		`SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &build, nil
}

// DeleteBuild removes a pending build row; logs and telemetry cascade.
// Dispatched builds belong to a worker and terminal rows are the audit
// trail, so neither is deletable.
func (p *Postgres) DeleteBuild(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM builds WHERE id = $1 AND status = $2`, id, types.BuildStatusPending)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	if n == 0 {
		if _, getErr := p.GetBuild(ctx, id); getErr != nil {
			return getErr
		}
		return types.NewError(types.KindConflict, "only pending builds can be deleted")
	}
	return nil
}

// ListBuilds returns builds matching the filter, newest first.
func (p *Postgres) ListBuilds(ctx context.Context, filter BuildFilter) ([]*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From("builds").
		OrderBy("submitted_at DESC", "id DESC")
	if filter.Status != "" {
		q = q.Where(sqrl.Eq{"status": filter.Status})
	}
	if filter.WorkerID != "" {
		q = q.Where(sqrl.Eq{"worker_id": filter.WorkerID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	builds := []*types.Build{}
	if err := p.db.SelectContext(ctx, &builds, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	return builds, nil
}

// ListActiveBuilds returns builds currently held by a worker.
func (p *Postgres) ListActiveBuilds(ctx context.Context) ([]*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	builds := []*types.Build{}
	err := p.db.SelectContext(ctx, &builds,
		`SELECT `+buildColumns+` FROM builds
		 WHERE status IN ('assigned', 'building')
		 ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active builds: %w", err)
	}
	return builds, nil
}

// getBuildForUpdate locks one build row inside a transaction.
func getBuildForUpdate(tx *sqlx.Tx, id string) (*types.Build, error) {
	var build types.Build
	err := tx.Get(&build,
		`SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &build, nil
}

// getWorkerForUpdate locks one worker row inside a transaction.
func getWorkerForUpdate(tx *sqlx.Tx, id string) (*types.Worker, error) {
	var worker types.Worker
	err := tx.Get(&worker,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &worker, nil
}

// freeWorker returns a worker to idle inside a transaction, optionally
// bumping one of its outcome counters.
func freeWorker(tx *sqlx.Tx, workerID string, completedDelta, failedDelta int) error {
	_, err := tx.Exec(
		`UPDATE workers SET status = 'idle',
		        builds_completed = builds_completed + $2,
		        builds_failed = builds_failed + $3
		 WHERE id = $1`, workerID, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("failed to free worker: %w", err)
	}
	return nil
}

func appendLogTx(tx *sqlx.Tx, buildID, level, message string) error {
	_, err := tx.Exec(
		`INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		buildID, time.Now().UTC(), level, message)
	if err != nil {
		return fmt.Errorf("failed to append build log: %w", err)
	}
	return nil
}

// CancelBuild cancels a pending build, or fails an active one freeing
// its worker. Terminal builds return IllegalTransition.
func (p *Postgres) CancelBuild(ctx context.Context, id, message string) (types.BuildStatus, error) {
	var result types.BuildStatus
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		switch {
		case build.Status == types.BuildStatusPending:
			result = types.BuildStatusCancelled
			_, err = tx.Exec(
				`UPDATE builds SET status = 'cancelled', completed_at = $2 WHERE id = $1`,
				id, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to cancel build: %w", err)
			}
		case build.Status.Active():
			result = types.BuildStatusFailed
			if err := failBuildTx(tx, build, message, false); err != nil {
				return err
			}
		default:
			return types.ErrIllegalTransition(build.Status, types.BuildStatusCancelled)
		}
		return appendLogTx(tx, id, "info", message)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// HeartbeatBuild records liveness from the VM and moves an assigned
// build to building on first contact.
func (p *Postgres) HeartbeatBuild(ctx context.Context, id string) (*types.Build, error) {
	var updated *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		switch build.Status {
		case types.BuildStatusAssigned:
			if err := types.ValidateTransition(build.Status, types.BuildStatusBuilding); err != nil {
				return err
			}
			_, err = tx.Exec(
				`UPDATE builds SET status = 'building', started_at = $2, last_heartbeat_at = $2 WHERE id = $1`,
				id, now)
			build.Status = types.BuildStatusBuilding
			build.StartedAt = &now
		case types.BuildStatusBuilding:
			_, err = tx.Exec(
				`UPDATE builds SET last_heartbeat_at = $2 WHERE id = $1`, id, now)
		default:
			return types.ErrIllegalTransition(build.Status, types.BuildStatusBuilding)
		}
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		build.LastHeartbeatAt = &now
		updated = build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompleteBuild persists a successful result: build to completed,
// worker freed with its completed counter bumped, log appended.
func (p *Postgres) CompleteBuild(ctx context.Context, id, resultPath string) (*types.Build, error) {
	var updated *types.Build
	err := p.withTx(ctx, uploadTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := types.ValidateTransition(build.Status, types.BuildStatusCompleted); err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.Exec(
			`UPDATE builds SET status = 'completed', result_path = $2, completed_at = $3,
			        error_message = NULL
			 WHERE id = $1`, id, resultPath, now)
		if err != nil {
			return fmt.Errorf("failed to complete build: %w", err)
		}
		if build.WorkerID != nil {
			if err := freeWorker(tx, *build.WorkerID, 1, 0); err != nil {
				return err
			}
		}
		if err := appendLogTx(tx, id, "info", "build completed"); err != nil {
			return err
		}
		build.Status = types.BuildStatusCompleted
		build.ResultPath = &resultPath
		build.CompletedAt = &now
		updated = build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func failBuildTx(tx *sqlx.Tx, build *types.Build, message string, fromWorker bool) error {
	if err := types.ValidateTransition(build.Status, types.BuildStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := tx.Exec(
		`UPDATE builds SET status = 'failed', error_message = $2, completed_at = $3 WHERE id = $1`,
		build.ID, message, now)
	if err != nil {
		return fmt.Errorf("failed to fail build: %w", err)
	}
	if build.WorkerID != nil {
		failedDelta := 0
		if fromWorker {
			failedDelta = 1
		}
		if err := freeWorker(tx, *build.WorkerID, 0, failedDelta); err != nil {
			return err
		}
	}
	build.Status = types.BuildStatusFailed
	build.ErrorMessage = &message
	build.CompletedAt = &now
	return nil
}

// FailBuild transitions an active build to failed and frees its worker.
func (p *Postgres) FailBuild(ctx context.Context, id, message string, fromWorker bool) (*types.Build, error) {
	var updated *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := failBuildTx(tx, build, message, fromWorker); err != nil {
			return err
		}
		if err := appendLogTx(tx, id, "error", message); err != nil {
			return err
		}
		updated = build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func requeueBuildTx(tx *sqlx.Tx, build *types.Build) error {
	if err := types.ValidateTransition(build.Status, types.BuildStatusPending); err != nil {
		return err
	}
	_, err := tx.Exec(
		`UPDATE builds SET status = 'pending', worker_id = NULL, assigned_at = NULL,
		        started_at = NULL, last_heartbeat_at = NULL,
		        otp = NULL, otp_expires_at = NULL, vm_token = NULL, vm_token_expires_at = NULL
		 WHERE id = $1`, build.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue build: %w", err)
	}
	build.Status = types.BuildStatusPending
	build.WorkerID = nil
	build.AssignedAt = nil
	build.StartedAt = nil
	build.LastHeartbeatAt = nil
	return nil
}

// RequeueBuild returns an active build to pending and frees its worker
// without touching the worker's counters.
func (p *Postgres) RequeueBuild(ctx context.Context, id string) (*types.Build, error) {
	var updated *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		workerID := build.WorkerID
		if err := requeueBuildTx(tx, build); err != nil {
			return err
		}
		if workerID != nil {
			if err := freeWorker(tx, *workerID, 0, 0); err != nil {
				return err
			}
		}
		if err := appendLogTx(tx, id, "warn", "build reassigned to queue"); err != nil {
			return err
		}
		updated = build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ExchangeOTP consumes the one-time password under the build row lock.
// The comparison happens in pkg/auth before this is called with the
// matched value; here the row-locked re-check guarantees single use.
func (p *Postgres) ExchangeOTP(ctx context.Context, id, otp, vmToken string, vmTokenExpiresAt time.Time) (*types.Build, error) {
	var updated *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		build, err := getBuildForUpdate(tx, id)
		if err != nil {
			return err
		}
		if build.OTP == nil || *build.OTP != otp {
			return types.NewError(types.KindAuthInvalid, "invalid credentials")
		}
		if build.OTPExpiresAt == nil || time.Now().After(*build.OTPExpiresAt) {
			return types.NewError(types.KindAuthInvalid, "invalid credentials")
		}
		_, err = tx.Exec(
			`UPDATE builds SET otp = NULL, otp_expires_at = NULL,
			        vm_token = $2, vm_token_expires_at = $3
			 WHERE id = $1`, id, vmToken, vmTokenExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to exchange otp: %w", err)
		}
		build.OTP = nil
		build.OTPExpiresAt = nil
		build.VMToken = &vmToken
		build.VMTokenExpiresAt = &vmTokenExpiresAt
		updated = build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendBuildLog appends one structured log line to a build.
func (p *Postgres) AppendBuildLog(ctx context.Context, buildID, level, message string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		buildID, time.Now().UTC(), level, message)
	if err != nil {
		if isForeignKeyViolation(err) {
			return types.ErrNotFound()
		}
		return fmt.Errorf("failed to append build log: %w", err)
	}
	return nil
}

// ListBuildLogs returns a build's log lines in append order.
func (p *Postgres) ListBuildLogs(ctx context.Context, buildID string, limit int) ([]*types.BuildLog, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From("build_logs").
		Where(sqrl.Eq{"build_id": buildID}).
		OrderBy("id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	logs := []*types.BuildLog{}
	if err := p.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list build logs: %w", err)
	}
	return logs, nil
}

// AddTelemetry appends one telemetry sample.
func (p *Postgres) AddTelemetry(ctx context.Context, sample *types.TelemetrySample) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO telemetry_samples (build_id, ts, kind, payload) VALUES ($1, $2, $3, $4)`,
		sample.BuildID, ts, sample.Kind, sample.Payload)
	if err != nil {
		if isForeignKeyViolation(err) {
			return types.ErrNotFound()
		}
		return fmt.Errorf("failed to add telemetry: %w", err)
	}
	return nil
}

// ListTelemetry returns a build's telemetry samples in append order.
func (p *Postgres) ListTelemetry(ctx context.Context, buildID string, limit int) ([]*types.TelemetrySample, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From("telemetry_samples").
		Where(sqrl.Eq{"build_id": buildID}).
		OrderBy("id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	samples := []*types.TelemetrySample{}
	if err := p.db.SelectContext(ctx, &samples, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list telemetry: %w", err)
	}
	return samples, nil
}
