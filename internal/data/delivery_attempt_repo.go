package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data/pgxutil"
	"github.com/target/dispatchd/internal/domain/model"
)

const defaultAttemptListLimit = 20

// DeliveryAttemptRepo persists the delivery history of messages.
type DeliveryAttemptRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewDeliveryAttemptRepo creates a DeliveryAttemptRepo. A nil tp uses the system clock.
func NewDeliveryAttemptRepo(db *sql.DB, tp TimeProvider) *DeliveryAttemptRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &DeliveryAttemptRepo{DB: db, timeProvider: tp}
}

// Record inserts attempt and fills in its ID and AttemptedAt.
func (r *DeliveryAttemptRepo) Record(ctx context.Context, attempt *model.DeliveryAttempt) error {
	if attempt == nil || attempt.MessageID == "" {
		return errors.New("delivery attempt with message id is required")
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = r.timeProvider.Now()
	}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO delivery_attempts (message_id, job_id, path_type, outcome, error, duration_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, attempt.MessageID, attempt.JobID, attempt.PathType, attempt.Outcome, attempt.Error,
		attempt.DurationMs, attempt.AttemptedAt.UTC()).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

// ListByMessage returns the most recent attempts for messageID, newest first.
func (r *DeliveryAttemptRepo) ListByMessage(ctx context.Context, messageID string, limit int) ([]*model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = defaultAttemptListLimit
	}
	var out []*model.DeliveryAttempt
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, message_id, job_id, path_type, outcome, error, duration_ms, attempted_at
			FROM delivery_attempts
			WHERE message_id = $1
			ORDER BY attempted_at DESC, id DESC
			LIMIT $2
		`, messageID, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DeliveryAttempt])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	return out, nil
}

var _ core.DeliveryAttemptRepository = (*DeliveryAttemptRepo)(nil)
