package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/mocks"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service"
	"github.com/target/dispatchd/internal/testutil"
	"github.com/target/dispatchd/internal/transport"
)

// fakeDeliverer returns the configured error from either callback and records exhaustion calls.
type fakeDeliverer struct {
	mu        sync.Mutex
	err       error
	delivered []string
	exhausted []model.FailOutcome
}

func (f *fakeDeliverer) Deliver(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, job.ID)
	return f.err
}

func (f *fakeDeliverer) BatchDeliver(ctx context.Context, job *model.Job) error {
	return f.Deliver(ctx, job)
}

func (f *fakeDeliverer) HandleExhausted(_ context.Context, _ *model.Job, outcome model.FailOutcome, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = append(f.exhausted, outcome)
	return nil
}

func (f *fakeDeliverer) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func newTestRunner(t *testing.T, d Deliverer, jt model.JobType) (*Runner, *mocks.MockJobRepository, *statsd.Recorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	rec := &statsd.Recorder{}
	r, err := NewRunner(RunnerOptions{
		JobsRepo:   repo,
		Dispatcher: d,
		JobType:    jt,
		Lease:      30 * time.Second,
		Metrics:    rec,
	})
	require.NoError(t, err)
	return r, repo, rec
}

func transitionTags(rec *statsd.Recorder) []map[string]string {
	var out []map[string]string
	for _, s := range rec.Named("job.transition") {
		out = append(out, s.Tags)
	}
	return out
}

func TestNewRunner(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	_, err := NewRunner(RunnerOptions{Dispatcher: &fakeDeliverer{}})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{JobsRepo: repo})
	require.EqualError(t, err, "dispatcher is required")

	r, err := NewRunner(RunnerOptions{JobsRepo: repo, Dispatcher: &fakeDeliverer{}})
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeMessageDeliver, r.jobType)
	assert.Equal(t, 1, r.workers)
	assert.Equal(t, 60*time.Second, r.lease)
}

func TestRunner_processJob(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes the job", func(t *testing.T) {
		d := &fakeDeliverer{}
		r, repo, rec := newTestRunner(t, d, model.JobTypeMessageDeliver)
		job := testutil.NewJob("job-1", model.JobTypeMessageDeliver, "m-1")
		repo.EXPECT().Complete(ctx, "job-1").Return(true, nil)

		r.processJob(ctx, job)

		tags := transitionTags(rec)
		require.Len(t, tags, 1)
		assert.Equal(t, "completed", tags[0]["transition"])
		assert.Equal(t, "success", tags[0]["result"])
	})

	t.Run("batch jobs use the batch callback", func(t *testing.T) {
		d := &fakeDeliverer{}
		r, repo, _ := newTestRunner(t, d, model.JobTypeMessageBatchDeliver)
		job := testutil.NewJob("batch-1", model.JobTypeMessageBatchDeliver, "m-1", "m-2")
		repo.EXPECT().Complete(ctx, "batch-1").Return(true, nil)

		r.processJob(ctx, job)
		assert.Equal(t, []string{"batch-1"}, d.deliveredIDs())
	})

	t.Run("reschedule error returns job to pending", func(t *testing.T) {
		at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		d := &fakeDeliverer{err: &service.RescheduleError{At: at, CountAttempt: true, Reason: "421"}}
		r, repo, rec := newTestRunner(t, d, model.JobTypeMessageDeliver)
		job := testutil.NewJob("job-2", model.JobTypeMessageDeliver, "m-1")
		repo.EXPECT().Reschedule(ctx, model.RescheduleRequest{
			ID: "job-2", At: at, Reason: "421", CountAttempt: true,
		}).Return(true, nil)

		r.processJob(ctx, job)

		tags := transitionTags(rec)
		require.Len(t, tags, 1)
		assert.Equal(t, "rescheduled", tags[0]["transition"])
	})

	t.Run("failure with retries left", func(t *testing.T) {
		d := &fakeDeliverer{err: errors.New("550 rejected")}
		r, repo, rec := newTestRunner(t, d, model.JobTypeMessageDeliver)
		job := testutil.NewJob("job-3", model.JobTypeMessageDeliver, "m-1")
		repo.EXPECT().Fail(ctx, "job-3", "550 rejected").
			Return(model.FailOutcome{Updated: true, Status: model.JobStatusPending}, nil)

		r.processJob(ctx, job)

		assert.Empty(t, d.exhausted)
		tags := transitionTags(rec)
		require.Len(t, tags, 1)
		assert.Equal(t, "failed", tags[0]["transition"])
		assert.Equal(t, "error", tags[0]["result"])
	})

	t.Run("exhausted failure hands messages to the dispatcher", func(t *testing.T) {
		d := &fakeDeliverer{err: errors.New("550 rejected")}
		r, repo, rec := newTestRunner(t, d, model.JobTypeMessageDeliver)
		job := testutil.NewJob("job-4", model.JobTypeMessageDeliver, "m-1")
		outcome := model.FailOutcome{Updated: true, Status: model.JobStatusFailed, MessageIDs: []string{"m-1"}}
		repo.EXPECT().Fail(ctx, "job-4", "550 rejected").Return(outcome, nil)

		r.processJob(ctx, job)

		require.Len(t, d.exhausted, 1)
		assert.Equal(t, outcome, d.exhausted[0])
		tags := transitionTags(rec)
		require.Len(t, tags, 1)
		assert.Equal(t, "exhausted", tags[0]["transition"])
	})

	t.Run("shutdown leaves the job for lease expiry", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		d := &fakeDeliverer{err: context.Canceled}
		r, _, rec := newTestRunner(t, d, model.JobTypeMessageDeliver)

		r.processJob(cctx, testutil.NewJob("job-5", model.JobTypeMessageDeliver, "m-1"))

		tags := transitionTags(rec)
		require.Len(t, tags, 1)
		assert.Equal(t, "interrupted", tags[0]["transition"])
	})

	t.Run("unknown job type fails", func(t *testing.T) {
		d := &fakeDeliverer{}
		r, repo, _ := newTestRunner(t, d, model.JobTypeMessageDeliver)
		job := testutil.NewJob("job-6", model.JobTypeMessageDeliver, "m-1")
		job.Type = "legacy"
		repo.EXPECT().Fail(ctx, "job-6", gomock.Any()).
			Return(model.FailOutcome{Updated: true, Status: model.JobStatusPending}, nil)

		r.processJob(ctx, job)
		assert.Empty(t, d.deliveredIDs())
	})
}

func TestRunner_Run(t *testing.T) {
	d := &fakeDeliverer{}
	r, repo, _ := newTestRunner(t, d, model.JobTypeMessageDeliver)
	job := testutil.NewJob("job-7", model.JobTypeMessageDeliver, "m-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo.EXPECT().WaitForNotification(gomock.Any(), model.JobTypeMessageDeliver).
		DoAndReturn(func(ctx context.Context, _ model.JobType) error {
			<-ctx.Done()
			return ctx.Err()
		}).AnyTimes()
	gomock.InOrder(
		repo.EXPECT().ReserveNext(gomock.Any(), model.JobTypeMessageDeliver, 30).Return(job, nil),
		repo.EXPECT().ReserveNext(gomock.Any(), model.JobTypeMessageDeliver, 30).
			DoAndReturn(func(context.Context, model.JobType, int) (*model.Job, error) {
				cancel()
				return nil, model.ErrNoJobsAvailable
			}),
	)
	repo.EXPECT().Complete(gomock.Any(), "job-7").Return(true, nil)

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"job-7"}, d.deliveredIDs())
}

func TestRunner_Run_ReserveError(t *testing.T) {
	r, repo, _ := newTestRunner(t, &fakeDeliverer{}, model.JobTypeMessageDeliver)
	repo.EXPECT().WaitForNotification(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ model.JobType) error {
			<-ctx.Done()
			return ctx.Err()
		}).AnyTimes()
	repo.EXPECT().ReserveNext(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunner_DeliversAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobRepo := data.NewJobRepo(db, data.RepoConfig{})
		msgRepo := data.NewMessageRepo(db, data.MessageRepoOptions{})

		var mu sync.Mutex
		var sent []string
		reg := transport.NewRegistry()
		require.NoError(t, reg.Register(model.PathTypeWebhook, transport.Func(func(_ context.Context, m *model.Message) error {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, m.ID)
			return nil
		})))

		dispatcher := service.MustNewDispatcherService(service.DispatcherServiceOptions{
			Stores:     service.DispatcherStores{Jobs: jobRepo, Messages: msgRepo},
			Transports: reg,
		})

		msg, err := msgRepo.Create(ctx, testutil.NewCreateMessageRequest(model.PathTypeWebhook))
		require.NoError(t, err)
		_, err = dispatcher.Dispatch(ctx, msg.ID)
		require.NoError(t, err)

		runner, err := NewRunner(RunnerOptions{
			DB:           db,
			Dispatcher:   dispatcher,
			JobType:      model.JobTypeMessageDeliver,
			PollInterval: 100 * time.Millisecond,
		})
		require.NoError(t, err)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- runner.Run(runCtx) }()

		require.Eventually(t, func() bool {
			got, err := msgRepo.GetByID(ctx, msg.ID)
			return err == nil && got.State == model.MessageStateSent
		}, 5*time.Second, 50*time.Millisecond)
		cancel()
		<-done

		mu.Lock()
		assert.Equal(t, []string{msg.ID}, sent)
		mu.Unlock()
		_, err = jobRepo.FindByMessageID(ctx, msg.ID)
		require.ErrorIs(t, err, core.ErrJobNotFound)
	})
}
