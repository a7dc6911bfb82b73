package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data/pgxutil"
	"github.com/target/dispatchd/internal/domain/model"
)

const (
	defaultMessageListLimit = 50
	maxMessageListLimit     = 1000
)

const messageColumns = `
  id,
  state,
  path_type,
  recipient,
  subject,
  body,
  dispatch_at,
  attempts,
  last_error,
  sent_at,
  created_at,
  updated_at
`

// bumpUpdatedAt always advances updated_at so optimistic checks see every write,
// even when the clock has not moved.
const bumpUpdatedAt = `updated_at = GREATEST($%d::timestamptz, updated_at + interval '1 microsecond')`

// MessageRepoOptions configures MessageRepo.
type MessageRepoOptions struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// MessageRepo is the Postgres message store.
type MessageRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(db *sql.DB, opts MessageRepoOptions) *MessageRepo {
	tp := opts.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageRepo{DB: db, timeProvider: tp, logger: logger.With("component", "message_repo")}
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Message])
}

func collectMessage(rows pgx.Rows) (*model.Message, error) {
	msg, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Message])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// Create stages a new message.
func (r *MessageRepo) Create(ctx context.Context, req *model.CreateMessageRequest) (*model.Message, error) {
	if req == nil {
		return nil, errors.New("create message request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := r.timeProvider.Now()
	dispatchAt := now
	if req.DispatchAt != nil {
		dispatchAt = req.DispatchAt.UTC()
	}

	var msg *model.Message
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO messages (state, path_type, recipient, subject, body, dispatch_at, created_at, updated_at)
			VALUES ('staged', $1, $2, $3, $4, $5, $6, $6)
			RETURNING `+messageColumns,
			req.PathType, req.Recipient, req.Subject, req.Body, dispatchAt, now)
		if err != nil {
			return err
		}
		msg, err = collectMessage(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// GetByID loads one message.
func (r *MessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var msg *model.Message
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
		if err != nil {
			return err
		}
		msg, err = collectMessage(rows)
		return err
	})
	if errors.Is(err, ErrMessageNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// GetByIDs loads messages in the order of ids. Any unknown id fails the whole call.
func (r *MessageRepo) GetByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []*model.Message
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1::text[]::uuid[])`, ids)
		if err != nil {
			return err
		}
		found, err = collectMessages(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	byID := make(map[string]*model.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		out = append(out, m)
	}
	return out, nil
}

// List returns messages newest first, optionally filtered by state.
func (r *MessageRepo) List(ctx context.Context, opts model.MessageListOptions) ([]*model.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultMessageListLimit
	}
	if limit > maxMessageListLimit {
		limit = maxMessageListLimit
	}
	offset := max(opts.Offset, 0)

	var state *string
	if opts.State != nil {
		if !opts.State.Valid() {
			return nil, fmt.Errorf("invalid message state: %s", *opts.State)
		}
		s := string(*opts.State)
		state = &s
	}

	var out []*model.Message
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE ($1::text IS NULL OR state = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3
		`, state, limit, offset)
		if err != nil {
			return err
		}
		out, err = collectMessages(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// Save writes the mutable fields of msg if nobody changed the row since msg was loaded,
// then refreshes msg.UpdatedAt. A stale write returns ErrMessageConflict.
func (r *MessageRepo) Save(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message with id is required")
	}
	if !msg.State.Valid() {
		return fmt.Errorf("invalid message state: %s", msg.State)
	}

	var updatedAt time.Time
	err := r.DB.QueryRowContext(ctx, `
		UPDATE messages
		SET state = $2,
		    dispatch_at = $3,
		    attempts = $4,
		    last_error = $5,
		    sent_at = $6,
		    `+fmt.Sprintf(bumpUpdatedAt, 8)+`
		WHERE id = $1 AND updated_at = $7
		RETURNING updated_at
	`, msg.ID, msg.State, msg.DispatchAt.UTC(), msg.Attempts, msg.LastError, msg.SentAt, msg.UpdatedAt,
		r.timeProvider.Now()).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, msg.ID); getErr != nil {
			return getErr
		}
		return ErrMessageConflict
	}
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.UpdatedAt = updatedAt
	return nil
}

// Cancel marks a staged, dispatched or errored message cancelled, removes its job link, and
// deletes the referencing job when it is still pending and holds no other messages.
// An already cancelled message is returned unchanged.
func (r *MessageRepo) Cancel(ctx context.Context, id string) (*model.Message, error) {
	now := r.timeProvider.Now()
	return pgxutil.QueryTx(ctx, r.DB, nil, func(tx pgx.Tx) (*model.Message, error) {
		rows, err := tx.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return nil, fmt.Errorf("lock message: %w", err)
		}
		current, err := collectMessage(rows)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("lock message: %w", err)
		}
		switch current.State {
		case model.MessageStateSent:
			return nil, ErrMessageSent
		case model.MessageStateCancelled:
			return current, nil
		}

		rows, err = tx.Query(ctx, `
			UPDATE messages
			SET state = 'cancelled', `+fmt.Sprintf(bumpUpdatedAt, 2)+`
			WHERE id = $1
			RETURNING `+messageColumns, id, now)
		if err != nil {
			return nil, fmt.Errorf("cancel message: %w", err)
		}
		msg, err := collectMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("cancel message: %w", err)
		}

		var jobID string
		err = tx.QueryRow(ctx, `DELETE FROM job_messages WHERE message_id = $1 RETURNING job_id::text`, id).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return msg, nil
		}
		if err != nil {
			return nil, fmt.Errorf("unlink message: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM jobs
			WHERE id = $1 AND status = 'pending'
			  AND NOT EXISTS (SELECT 1 FROM job_messages WHERE job_id = $1)
		`, jobID)
		if err != nil {
			return nil, fmt.Errorf("drop cancelled job: %w", err)
		}
		r.logger.DebugContext(ctx, "cancelled message",
			"message_id", id, "job_id", jobID, "job_deleted", tag.RowsAffected() > 0)
		return msg, nil
	})
}

// MarkErrored moves the deliverable messages among ids to errored and releases their job links.
func (r *MessageRepo) MarkErrored(ctx context.Context, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := r.timeProvider.Now()
	return pgxutil.QueryTx(ctx, r.DB, nil, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
			UPDATE messages
			SET state = 'errored', last_error = $2, `+fmt.Sprintf(bumpUpdatedAt, 3)+`
			WHERE id = ANY($1::text[]::uuid[]) AND state IN ('staged', 'dispatched')
		`, ids, reason, now)
		if err != nil {
			return 0, fmt.Errorf("mark messages errored: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_messages WHERE message_id = ANY($1::text[]::uuid[])`, ids); err != nil {
			return 0, fmt.Errorf("unlink errored messages: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

// Retry moves an errored message back to staged with a fresh attempt budget.
func (r *MessageRepo) Retry(ctx context.Context, id string, dispatchAt time.Time) (*model.Message, error) {
	var msg *model.Message
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			UPDATE messages
			SET state = 'staged', attempts = 0, last_error = NULL, dispatch_at = $2,
			    `+fmt.Sprintf(bumpUpdatedAt, 3)+`
			WHERE id = $1 AND state = 'errored'
			RETURNING `+messageColumns, id, dispatchAt.UTC(), r.timeProvider.Now())
		if err != nil {
			return err
		}
		msg, err = collectMessage(rows)
		return err
	})
	if errors.Is(err, ErrMessageNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrMessageNotErrored
	}
	if err != nil {
		return nil, fmt.Errorf("retry message: %w", err)
	}
	return msg, nil
}

var _ core.MessageRepository = (*MessageRepo)(nil)
