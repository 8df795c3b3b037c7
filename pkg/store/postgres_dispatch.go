package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hangarci/hangar/pkg/types"
)

// assignTx applies the assignment writes once a pending build has been
// claimed under its row lock: build to assigned with the OTP minted for
// this dispatch, worker to building, a log line appended.
func assignTx(tx *sqlx.Tx, build *types.Build, worker *types.Worker, otp string, otpExpiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := tx.Exec(
		`UPDATE builds SET status = 'assigned', worker_id = $2, assigned_at = $3,
		        otp = $4, otp_expires_at = $5
		 WHERE id = $1`, build.ID, worker.ID, now, otp, otpExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to assign build: %w", err)
	}
	_, err = tx.Exec(`UPDATE workers SET status = 'building' WHERE id = $1`, worker.ID)
	if err != nil {
		return fmt.Errorf("failed to mark worker building: %w", err)
	}
	if err := appendLogTx(tx, build.ID, "info", "build assigned to worker "+worker.ID); err != nil {
		return err
	}
	build.Status = types.BuildStatusAssigned
	build.WorkerID = &worker.ID
	build.AssignedAt = &now
	build.OTP = &otp
	build.OTPExpiresAt = &otpExpiresAt
	return nil
}

// checkDispatchable verifies the locked worker may receive work.
func checkDispatchable(worker *types.Worker) error {
	switch worker.Status {
	case types.WorkerStatusBuilding:
		return ErrWorkerBusy
	case types.WorkerStatusOffline:
		return ErrWorkerOffline
	}
	if time.Now().After(worker.AccessTokenExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// AssignNextBuild is the atomic dispatch transaction. The worker row
// lock is taken first (the rendezvous with re-registration and
// unregister), then the oldest pending build is claimed with
// FOR UPDATE SKIP LOCKED so concurrent pollers land on different rows
// instead of queueing on the same one.
func (p *Postgres) AssignNextBuild(ctx context.Context, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error) {
	var assigned *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		assigned = nil
		worker, err := getWorkerForUpdate(tx, workerID)
		if err != nil {
			return err
		}
		if err := checkDispatchable(worker); err != nil {
			return err
		}

		var build types.Build
		err = tx.Get(&build,
			`SELECT `+buildColumns+` FROM builds
			 WHERE status = 'pending'
			 ORDER BY submitted_at, id
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1`)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select pending build: %w", err)
		}

		if err := assignTx(tx, &build, worker, otp, otpExpiresAt); err != nil {
			return err
		}
		assigned = &build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// AssignBuildToWorker assigns one specific build, for the serialized
// fallback engine. A build that left pending state in the meantime
// yields Conflict so the engine can move on down its queue.
func (p *Postgres) AssignBuildToWorker(ctx context.Context, buildID, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error) {
	var assigned *types.Build
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		worker, err := getWorkerForUpdate(tx, workerID)
		if err != nil {
			return err
		}
		if err := checkDispatchable(worker); err != nil {
			return err
		}

		var build types.Build
		err = tx.Get(&build,
			`SELECT `+buildColumns+` FROM builds
			 WHERE id = $1 AND status = 'pending'
			 FOR UPDATE`, buildID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NewError(types.KindConflict, "build is no longer pending")
		}
		if err != nil {
			return fmt.Errorf("failed to select build: %w", err)
		}

		if err := assignTx(tx, &build, worker, otp, otpExpiresAt); err != nil {
			return err
		}
		assigned = &build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// ListStuckBuilds returns active builds whose heartbeat (or, before any
// heartbeat arrived, whose assignment) is older than the cutoff.
func (p *Postgres) ListStuckBuilds(ctx context.Context, cutoff time.Time) ([]*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	builds := []*types.Build{}
	err := p.db.SelectContext(ctx, &builds,
		`SELECT `+buildColumns+` FROM builds
		 WHERE status IN ('assigned', 'building')
		   AND ((last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $1)
		     OR (last_heartbeat_at IS NULL AND assigned_at < $1))
		 ORDER BY submitted_at, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck builds: %w", err)
	}
	return builds, nil
}

// ListStaleWorkers returns workers not seen since the cutoff that are
// not already offline.
func (p *Postgres) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*types.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	workers := []*types.Worker{}
	err := p.db.SelectContext(ctx, &workers,
		`SELECT `+workerColumns+` FROM workers
		 WHERE last_seen_at < $1 AND status != 'offline'
		 ORDER BY registered_at, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale workers: %w", err)
	}
	return workers, nil
}

// Statistics returns the aggregate counters for the stats endpoints.
func (p *Postgres) Statistics(ctx context.Context) (*types.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	stats := &types.Stats{}

	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := p.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM builds GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count builds: %w", err)
	}
	for _, r := range rows {
		switch types.BuildStatus(r.Status) {
		case types.BuildStatusPending:
			stats.Builds.Pending = r.Count
		case types.BuildStatusAssigned:
			stats.Builds.Assigned = r.Count
		case types.BuildStatusBuilding:
			stats.Builds.Building = r.Count
		case types.BuildStatusCompleted:
			stats.Builds.Completed = r.Count
		case types.BuildStatusFailed:
			stats.Builds.Failed = r.Count
		case types.BuildStatusCancelled:
			stats.Builds.Cancelled = r.Count
		}
		stats.Builds.Total += r.Count
	}

	rows = rows[:0]
	err = p.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count workers: %w", err)
	}
	for _, r := range rows {
		switch types.WorkerStatus(r.Status) {
		case types.WorkerStatusIdle:
			stats.Workers.Idle = r.Count
		case types.WorkerStatusBuilding:
			stats.Workers.Building = r.Count
		case types.WorkerStatusOffline:
			stats.Workers.Offline = r.Count
		}
		stats.Workers.Total += r.Count
	}

	stats.QueueDepth = stats.Builds.Pending
	return stats, nil
}
