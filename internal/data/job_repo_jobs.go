package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data/pgxutil"
	"github.com/target/dispatchd/internal/domain/model"
)

// SQL used by ReserveNext to atomically reserve the next due job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = $2,
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.payload, j.metadata, j.scheduled_at, j.started_at,
            j.failed_at, j.retry_count, j.max_retries, j.last_error, j.lease_expires_at, j.created_at, j.updated_at`

// Create enqueues a delivery job and links its messages. When req.ParentJobID is set the
// links are moved from the parent job in the same transaction.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := model.EncodeDeliveryPayload(req.MessageIDs)
	if err != nil {
		return nil, err
	}
	meta := []byte(`{}`)
	if len(req.Metadata) > 0 {
		meta = req.Metadata
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}
	scheduledAt := r.timeProvider.Now()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	return pgxutil.QueryTx(ctx, r.DB, nil, func(tx pgx.Tx) (*model.Job, error) {
		if req.ParentJobID != nil {
			if err := releaseFromParent(ctx, tx, *req.ParentJobID, req.MessageIDs); err != nil {
				return nil, err
			}
		}

		rows, err := tx.Query(ctx, `
			INSERT INTO jobs (type, status, priority, payload, metadata, scheduled_at, max_retries)
			VALUES ($1, 'pending', $2, $3, $4, $5, $6)
			RETURNING `+jobColumns,
			req.Type, req.Priority, payload, meta, scheduledAt, maxRetries)
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}
		job, err := collectJob(rows)
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO job_messages (job_id, message_id, position)
			SELECT $1, m.id::uuid, m.pos - 1
			FROM unnest($2::text[]) WITH ORDINALITY AS m(id, pos)
		`, job.ID, req.MessageIDs); err != nil {
			return nil, mapLinkError(err)
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, notifyChannel(req.Type), job.ID); err != nil {
			return nil, fmt.Errorf("send job notification: %w", err)
		}
		return job, nil
	})
}

func releaseFromParent(ctx context.Context, tx pgx.Tx, parentID string, messageIDs []string) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM job_messages
		WHERE job_id = $1 AND message_id = ANY($2::text[]::uuid[])
	`, parentID, messageIDs)
	if err != nil {
		return fmt.Errorf("release messages from parent job: %w", err)
	}
	if tag.RowsAffected() != int64(len(messageIDs)) {
		return fmt.Errorf("%w: parent job %s does not hold all %d messages", ErrMessageNotHeld, parentID, len(messageIDs))
	}
	return nil
}

func mapLinkError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrMessageAlreadyQueued, pgErr.Detail)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrMessageNotFound, pgErr.Detail)
		}
	}
	return fmt.Errorf("link job messages: %w", err)
}

// Advisory lock namespace for requeueExpired to avoid cross-job-type contention.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(jobType model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	return int64(h.Sum32() & uint32(math.MaxInt32))
}

// requeueExpired returns jobs whose lease ran out to pending and reports how many moved.
func (r *JobRepo) requeueExpired(ctx context.Context, jobType model.JobType) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor(jobType)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending', lease_expires_at = NULL, updated_at = $2
				WHERE type = $1 AND status = 'running'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $2
			`, jobType, r.timeProvider.Now())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			rowsAffected, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	if rowsAffected > 0 {
		r.logger.WarnContext(ctx, "requeued jobs with expired leases", "job_type", jobType, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// ReserveNext leases the next due job of the given type.
func (r *JobRepo) ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}
	if _, err := r.requeueExpired(ctx, jobType); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	job, err := pgxutil.QueryTx(ctx, r.DB, &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		func(tx pgx.Tx) (*model.Job, error) {
			now := r.timeProvider.Now()
			rows, err := tx.Query(ctx, reserveNextUpdateSQL, jobType, now, now.Add(time.Duration(leaseSeconds)*time.Second))
			if err != nil {
				return nil, fmt.Errorf("reserve job: %w", err)
			}
			j, err := collectJob(rows)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, model.ErrNoJobsAvailable
			}
			if err != nil {
				return nil, fmt.Errorf("reserve job: %w", err)
			}
			return j, nil
		})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job. It reports false when the job is no longer running.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, now.Add(time.Duration(leaseSeconds)*time.Second), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

// Complete deletes a running job. Its message links cascade away with it.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return n > 0, nil
}

// Reschedule returns a running job to pending at req.At. It never marks the job failed.
func (r *JobRepo) Reschedule(ctx context.Context, req model.RescheduleRequest) (bool, error) {
	if req.ID == "" {
		return false, errors.New("job id is required")
	}
	if req.At.IsZero() {
		return false, errors.New("reschedule time is required")
	}
	var reason sql.NullString
	if req.Reason != "" {
		reason = sql.NullString{String: req.Reason, Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    scheduled_at = $2,
		    lease_expires_at = NULL,
		    last_error = COALESCE($3, last_error),
		    retry_count = retry_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		    updated_at = $5
		WHERE id = $1 AND status = 'running'
	`, req.ID, req.At.UTC(), reason, req.CountAttempt, r.timeProvider.Now())
	if err != nil {
		return false, fmt.Errorf("reschedule job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reschedule rows affected: %w", err)
	}
	return n > 0, nil
}

// Fail records a failed run. While retries remain the job returns to pending after the retry
// delay; once exhausted it becomes failed and its message links are released.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (model.FailOutcome, error) {
	now := r.timeProvider.Now()
	retryAt := now.Add(time.Duration(r.cfg.RetryDelaySeconds) * time.Second)

	return pgxutil.QueryTx(ctx, r.DB, nil, func(tx pgx.Tx) (model.FailOutcome, error) {
		var status model.JobStatus
		err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET last_error = $2,
			    retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			    failed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
			    scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
			    lease_expires_at = NULL,
			    updated_at = $3
			WHERE id = $1 AND status = 'running'
			RETURNING status
		`, id, errMsg, now, retryAt).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FailOutcome{}, nil
		}
		if err != nil {
			return model.FailOutcome{}, fmt.Errorf("fail job: %w", err)
		}

		out := model.FailOutcome{Updated: true, Status: status}
		if status != model.JobStatusFailed {
			return out, nil
		}

		rows, err := tx.Query(ctx, `
			WITH released AS (
				DELETE FROM job_messages WHERE job_id = $1
				RETURNING message_id, position
			)
			SELECT message_id::text FROM released ORDER BY position
		`, id)
		if err != nil {
			return model.FailOutcome{}, fmt.Errorf("release job messages: %w", err)
		}
		out.MessageIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return model.FailOutcome{}, fmt.Errorf("release job messages: %w", err)
		}
		return out, nil
	})
}

// Stats returns counts of jobs of the given type per status.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'pending') AS pending,
		  count(*) FILTER (WHERE status = 'running') AS running,
		  count(*) FILTER (WHERE status = 'failed')  AS failed
		FROM jobs
		WHERE type = $1
	`, jobType).Scan(&s.Pending, &s.Running, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a job of jobType is enqueued or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	channel := notifyChannel(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, err := sc.Conn().WaitForNotification(ctx)
		return err
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

// FindByMessageID returns the live job that references messageID.
func (r *JobRepo) FindByMessageID(ctx context.Context, messageID string) (*model.Job, error) {
	return r.getOne(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = (SELECT job_id FROM job_messages WHERE message_id = $1)
	`, messageID)
}

func (r *JobRepo) getOne(ctx context.Context, query string, arg string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		job, err = collectJob(rows)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Delete removes a job unless a worker currently holds an unexpired lease on it.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND (status <> 'running' OR lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, r.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrJobNotDeletable
}

var _ core.JobRepository = (*JobRepo)(nil)
