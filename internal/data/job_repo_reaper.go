package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data/pgxutil"
	"github.com/target/dispatchd/internal/domain/model"
)

// Advisory lock namespace for reaper operations, keyed as pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockReaperMajor          = 1000
	advisoryLockReaperDeleteJobs     = 2
	advisoryLockReaperDeleteAttempts = 3
)

// reapBatch runs one batched DELETE under the reaper advisory lock identified by minor.
// A lock held by another reaper instance results in zero rows and no error.
func (r *JobRepo) reapBatch(ctx context.Context, minor int, query string, args ...any) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			rowsAffected, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteOldJobs deletes up to params.BatchSize non-running jobs of params.Status last touched
// before now - params.MaxAge.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() || params.Status == model.JobStatusRunning {
		return 0, fmt.Errorf("invalid job status for reaping: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	cutoff := r.timeProvider.Now().Add(-params.MaxAge)

	n, err := r.reapBatch(ctx, advisoryLockReaperDeleteJobs, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1
			  AND COALESCE(failed_at, updated_at) < $2
			ORDER BY COALESCE(failed_at, updated_at)
			LIMIT $3
		)
	`, params.Status, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return n, nil
}

// DeleteOldDeliveryAttempts deletes up to params.BatchSize delivery history rows older than params.MaxAge.
func (r *JobRepo) DeleteOldDeliveryAttempts(ctx context.Context, params core.DeleteOldDeliveryAttemptsParams) (int64, error) {
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	cutoff := r.timeProvider.Now().Add(-params.MaxAge)

	n, err := r.reapBatch(ctx, advisoryLockReaperDeleteAttempts, `
		DELETE FROM delivery_attempts
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE attempted_at < $1
			ORDER BY attempted_at
			LIMIT $2
		)
	`, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old delivery attempts: %w", err)
	}
	return n, nil
}

var _ core.ReaperRepository = (*JobRepo)(nil)
