package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hangarci/hangar/pkg/types"
)

const workerColumns = `id, name, capabilities, status, access_token,
	access_token_expires_at, prev_token, prev_token_expires_at, last_seen_at,
	builds_completed, builds_failed, registered_at`

var insertWorkerCmd = `INSERT INTO workers (` + workerColumns + `) VALUES (
	:id, :name, :capabilities, :status, :access_token,
	:access_token_expires_at, :prev_token, :prev_token_expires_at,
	:last_seen_at, :builds_completed, :builds_failed, :registered_at)`

// CreateWorker inserts a new worker row.
func (p *Postgres) CreateWorker(ctx context.Context, worker *types.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if _, err := p.db.NamedExecContext(ctx, insertWorkerCmd, worker); err != nil {
		if isUniqueViolation(err) {
			return types.NewError(types.KindConflict, "worker already exists")
		}
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

// GetWorker fetches one worker by id.
func (p *Postgres) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var worker types.Worker
	err := p.db.GetContext(ctx, &worker,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &worker, nil
}

// GetWorkerByToken looks a worker up by its current or previous access
// token. The index on access_token serves the common case; the caller
// re-compares the token constant-time before trusting the row.
func (p *Postgres) GetWorkerByToken(ctx context.Context, token string) (*types.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var worker types.Worker
	err := p.db.GetContext(ctx, &worker,
		`SELECT `+workerColumns+` FROM workers WHERE access_token = $1 OR prev_token = $1`, token)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &worker, nil
}

// ListWorkers returns all workers ordered by registration time.
func (p *Postgres) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	workers := []*types.Worker{}
	err := p.db.SelectContext(ctx, &workers,
		`SELECT `+workerColumns+` FROM workers ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// ReRegisterWorker rotates the token of an existing worker under the
// worker row lock shared with dispatch. Status and assigned builds are
// preserved.
func (p *Postgres) ReRegisterWorker(ctx context.Context, id, name string, caps types.Capabilities, newToken string, expiresAt time.Time) (*types.Worker, error) {
	var updated *types.Worker
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		worker, err := getWorkerForUpdate(tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.Exec(
			`UPDATE workers SET name = $2, capabilities = $3,
			        access_token = $4, access_token_expires_at = $5,
			        prev_token = NULL, prev_token_expires_at = NULL,
			        last_seen_at = $6
			 WHERE id = $1`, id, name, caps, newToken, expiresAt, now)
		if err != nil {
			return fmt.Errorf("failed to re-register worker: %w", err)
		}
		worker.Name = name
		worker.Capabilities = caps
		worker.AccessToken = newToken
		worker.AccessTokenExpiresAt = expiresAt
		worker.PrevToken = nil
		worker.PrevTokenExpiresAt = nil
		worker.LastSeenAt = now
		updated = worker
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// HeartbeatWorker refreshes liveness and rotates the access token. The
// presented token becomes the one-shot grace token; when the presented
// token was already the grace token, the slot is cleared so it cannot
// be used twice. An offline worker presenting a valid token is
// demonstrably alive and goes back to idle.
func (p *Postgres) HeartbeatWorker(ctx context.Context, id, presentedToken, newToken string, expiresAt time.Time) (*types.Worker, error) {
	var updated *types.Worker
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		worker, err := getWorkerForUpdate(tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		var prevToken *string
		var prevExpiry *time.Time
		if presentedToken == worker.AccessToken {
			grace := worker.AccessToken
			graceExpiry := worker.AccessTokenExpiresAt
			prevToken = &grace
			prevExpiry = &graceExpiry
		}

		status := worker.Status
		if status == types.WorkerStatusOffline {
			status = types.WorkerStatusIdle
		}

		_, err = tx.Exec(
			`UPDATE workers SET access_token = $2, access_token_expires_at = $3,
			        prev_token = $4, prev_token_expires_at = $5,
			        last_seen_at = $6, status = $7
			 WHERE id = $1`, id, newToken, expiresAt, prevToken, prevExpiry, now, status)
		if err != nil {
			return fmt.Errorf("failed to rotate worker token: %w", err)
		}
		worker.AccessToken = newToken
		worker.AccessTokenExpiresAt = expiresAt
		worker.PrevToken = prevToken
		worker.PrevTokenExpiresAt = prevExpiry
		worker.LastSeenAt = now
		worker.Status = status
		updated = worker
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TouchWorker refreshes last_seen_at without rotating the token.
func (p *Postgres) TouchWorker(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE workers SET last_seen_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound()
	}
	return nil
}

// UnregisterWorker requeues the worker's active builds and marks the
// worker offline, all under the worker row lock.
func (p *Postgres) UnregisterWorker(ctx context.Context, id string) (int, error) {
	reassigned := 0
	err := p.withTx(ctx, writeTimeout, func(tx *sqlx.Tx) error {
		reassigned = 0
		if _, err := getWorkerForUpdate(tx, id); err != nil {
			return err
		}
		builds := []*types.Build{}
		err := tx.Select(&builds,
			`SELECT `+buildColumns+` FROM builds
			 WHERE worker_id = $1 AND status IN ('assigned', 'building')
			 FOR UPDATE`, id)
		if err != nil {
			return fmt.Errorf("failed to list worker builds: %w", err)
		}
		for _, build := range builds {
			if err := requeueBuildTx(tx, build); err != nil {
				return err
			}
			if err := appendLogTx(tx, build.ID, "warn", "worker unregistered; build requeued"); err != nil {
				return err
			}
			reassigned++
		}
		_, err = tx.Exec(`UPDATE workers SET status = 'offline' WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to mark worker offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reassigned, nil
}
