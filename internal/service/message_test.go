package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
	apperrors "github.com/target/dispatchd/internal/errors"
	"github.com/target/dispatchd/internal/mocks"
)

func TestNewMessageService(t *testing.T) {
	_, err := NewMessageService(MessageServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MessageRepository is required")

	ctrl := gomock.NewController(t)
	svc, err := NewMessageService(MessageServiceOptions{Repo: mocks.NewMockMessageRepository(ctrl)})
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestMessageService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("normalizes and stores", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})

		req := &model.CreateMessageRequest{
			PathType:  " EMAIL ",
			Recipient: "  oncall@example.com ",
			Body:      "db failover started",
		}
		repo.EXPECT().Create(ctx, gomock.Any()).
			DoAndReturn(func(_ context.Context, r *model.CreateMessageRequest) (*model.Message, error) {
				assert.Equal(t, model.PathTypeEmail, r.PathType)
				assert.Equal(t, "oncall@example.com", r.Recipient)
				return &model.Message{ID: uuid.NewString(), State: model.MessageStateStaged, PathType: r.PathType}, nil
			})

		msg, err := svc.Create(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateStaged, msg.State)
	})

	t.Run("invalid request never reaches the store", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := MustNewMessageService(MessageServiceOptions{Repo: mocks.NewMockMessageRepository(ctrl)})

		tests := []struct {
			name string
			req  *model.CreateMessageRequest
		}{
			{name: "nil", req: nil},
			{name: "unknown path", req: &model.CreateMessageRequest{PathType: "fax", Recipient: "x", Body: "b"}},
			{name: "email without at", req: &model.CreateMessageRequest{PathType: "email", Recipient: "ops", Body: "b"}},
			{name: "blank body", req: &model.CreateMessageRequest{PathType: "webhook", Recipient: "https://h", Body: " "}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Create(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
			})
		}
	})
}

func TestMessageService_Get(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockMessageRepository(ctrl)
	svc := MustNewMessageService(MessageServiceOptions{Repo: repo})

	_, err := svc.Get(ctx, "bad")
	assert.True(t, apperrors.IsValidation(err))

	id := uuid.NewString()
	repo.EXPECT().GetByID(ctx, id).Return(nil, core.ErrMessageNotFound)
	_, err = svc.Get(ctx, id)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMessageService_List(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockMessageRepository(ctrl)
	svc := MustNewMessageService(MessageServiceOptions{Repo: repo})

	bogus := model.MessageState("lost")
	_, err := svc.List(ctx, model.MessageListOptions{State: &bogus})
	require.Error(t, err)
	assert.Equal(t, "state", apperrors.GetField(err))

	state := model.MessageStateErrored
	repo.EXPECT().List(ctx, model.MessageListOptions{State: &state, Limit: 1000, Offset: 0}).
		Return([]*model.Message{{ID: "m1"}}, nil)
	msgs, err := svc.List(ctx, model.MessageListOptions{State: &state, Limit: 5000, Offset: -3})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessageService_Cancel(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()

	t.Run("cancelled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})
		repo.EXPECT().Cancel(ctx, id).Return(&model.Message{ID: id, State: model.MessageStateCancelled}, nil)

		msg, err := svc.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateCancelled, msg.State)
	})

	t.Run("already sent", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})
		repo.EXPECT().Cancel(ctx, id).Return(nil, core.ErrMessageSent)

		_, err := svc.Cancel(ctx, id)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
		require.ErrorIs(t, err, core.ErrMessageSent)
	})
}

func TestMessageService_Retry(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults dispatch_at to now", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})
		svc.now = func() time.Time { return now }
		repo.EXPECT().Retry(ctx, id, now).Return(&model.Message{ID: id, State: model.MessageStateStaged, DispatchAt: now}, nil)

		msg, err := svc.Retry(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateStaged, msg.State)
	})

	t.Run("explicit dispatch_at", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})
		later := now.Add(time.Hour)
		repo.EXPECT().Retry(ctx, id, later).Return(&model.Message{ID: id, DispatchAt: later}, nil)

		_, err := svc.Retry(ctx, id, &later)
		require.NoError(t, err)
	})

	t.Run("not errored", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockMessageRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{Repo: repo})
		repo.EXPECT().Retry(ctx, id, gomock.Any()).Return(nil, core.ErrMessageNotErrored)

		_, err := svc.Retry(ctx, id, nil)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestMessageService_History(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()

	t.Run("without history store", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := MustNewMessageService(MessageServiceOptions{Repo: mocks.NewMockMessageRepository(ctrl)})
		got, err := svc.History(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("default limit", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		attempts := mocks.NewMockDeliveryAttemptRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{
			Repo:     mocks.NewMockMessageRepository(ctrl),
			Attempts: attempts,
		})
		attempts.EXPECT().ListByMessage(ctx, id, defaultHistoryLimit).
			Return([]*model.DeliveryAttempt{{MessageID: id, Outcome: model.DeliveryOutcomeSent}}, nil)

		got, err := svc.History(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("store error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		attempts := mocks.NewMockDeliveryAttemptRepository(ctrl)
		svc := MustNewMessageService(MessageServiceOptions{
			Repo:     mocks.NewMockMessageRepository(ctrl),
			Attempts: attempts,
		})
		attempts.EXPECT().ListByMessage(ctx, id, 10).Return(nil, errors.New("db down"))

		_, err := svc.History(ctx, id, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list delivery attempts")
	})
}
