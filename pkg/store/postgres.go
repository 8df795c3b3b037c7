package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/types"
)

// Timeout classes per operation kind. Dispatch and registration hold
// row locks and must stay short; upload metadata commits may sit
// behind a slow fsync.
const (
	writeTimeout  = 5 * time.Second
	uploadTimeout = 30 * time.Second
	readTimeout   = 10 * time.Second
)

// Postgres driver error codes that warrant one automatic retry.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// Postgres is the production Store backed by lib/pq over sqlx.
type Postgres struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(databaseURL string, opts PostgresOptions) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{
		db:     db,
		logger: log.WithComponent("store"),
	}, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Ping reports database reachability.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// withTx runs fn inside a transaction bounded by timeout, retrying
// exactly once on a serialization failure or deadlock.
func (p *Postgres) withTx(ctx context.Context, timeout time.Duration, fn func(tx *sqlx.Tx) error) error {
	err := p.runTx(ctx, timeout, fn)
	if err != nil && retryable(err) {
		p.logger.Debug().Msg("retrying transaction after serialization failure")
		err = p.runTx(ctx, timeout, fn)
	}
	return err
}

func (p *Postgres) runTx(ctx context.Context, timeout time.Duration, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == pqSerializationFailure || code == pqDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// mapRowErr converts sql.ErrNoRows into the domain NotFound.
func mapRowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound()
	}
	return err
}
