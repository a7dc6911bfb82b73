package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
	apperrors "github.com/target/dispatchd/internal/errors"
)

const defaultHistoryLimit = 50

// MessageServiceOptions groups dependencies for MessageService.
type MessageServiceOptions struct {
	Repo     core.MessageRepository         // Required: message store
	Attempts core.DeliveryAttemptRepository // Optional: delivery history
	Logger   *slog.Logger                   // Optional: structured logger
}

// MessageService stages, inspects, cancels and retries messages.
type MessageService struct {
	repo     core.MessageRepository
	attempts core.DeliveryAttemptRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewMessageService constructs a MessageService.
func NewMessageService(opts MessageServiceOptions) (*MessageService, error) {
	if opts.Repo == nil {
		return nil, errors.New("MessageRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		repo:     opts.Repo,
		attempts: opts.Attempts,
		logger:   logger.With("component", "message_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// MustNewMessageService constructs a MessageService and panics on error.
func MustNewMessageService(opts MessageServiceOptions) *MessageService {
	svc, err := NewMessageService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create MessageService: %v", err))
	}
	return svc
}

// Create stages a new message. A missing dispatch_at means now.
func (s *MessageService) Create(ctx context.Context, req *model.CreateMessageRequest) (*model.Message, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	msg, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, mapStoreError(err, "create message")
	}
	s.logger.DebugContext(ctx, "message staged",
		"id", msg.ID, "path_type", msg.PathType, "dispatch_at", msg.DispatchAt)
	return msg, nil
}

// Get returns one message.
func (s *MessageService) Get(ctx context.Context, id string) (*model.Message, error) {
	if err := validateMessageID(id); err != nil {
		return nil, err
	}
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "get message")
	}
	return msg, nil
}

// List returns messages newest first, optionally filtered by state.
func (s *MessageService) List(ctx context.Context, opts model.MessageListOptions) ([]*model.Message, error) {
	if opts.State != nil && !opts.State.Valid() {
		return nil, apperrors.ValidationField("state", fmt.Sprintf("unknown state %q", *opts.State))
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	msgs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, mapStoreError(err, "list messages")
	}
	return msgs, nil
}

// Cancel marks the message cancelled. A pending job that only carries this message is
// removed with it; a running job notices the cancellation when it loads the message.
func (s *MessageService) Cancel(ctx context.Context, id string) (*model.Message, error) {
	if err := validateMessageID(id); err != nil {
		return nil, err
	}
	msg, err := s.repo.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrMessageSent) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "message was already sent")
		}
		return nil, mapStoreError(err, "cancel message")
	}
	s.logger.InfoContext(ctx, "message cancelled", "id", id)
	return msg, nil
}

// Retry moves an errored message back to staged with a fresh attempt budget. The caller
// dispatches it again; a nil dispatchAt means now.
func (s *MessageService) Retry(ctx context.Context, id string, dispatchAt *time.Time) (*model.Message, error) {
	if err := validateMessageID(id); err != nil {
		return nil, err
	}
	at := s.now()
	if dispatchAt != nil {
		at = dispatchAt.UTC()
	}
	msg, err := s.repo.Retry(ctx, id, at)
	if err != nil {
		if errors.Is(err, core.ErrMessageNotErrored) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "only errored messages can be retried")
		}
		return nil, mapStoreError(err, "retry message")
	}
	s.logger.InfoContext(ctx, "message restaged", "id", id, "dispatch_at", msg.DispatchAt)
	return msg, nil
}

// History returns recorded delivery attempts for a message, newest first.
func (s *MessageService) History(ctx context.Context, id string, limit int) ([]*model.DeliveryAttempt, error) {
	if err := validateMessageID(id); err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []*model.DeliveryAttempt{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	attempts, err := s.attempts.ListByMessage(ctx, id, limit)
	if err != nil {
		return nil, mapStoreError(err, "list delivery attempts")
	}
	return attempts, nil
}

func validateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.ValidationField("id", "message id must be a valid UUID")
	}
	return nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}
