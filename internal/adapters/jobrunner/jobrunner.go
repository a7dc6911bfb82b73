// Package jobrunner pulls delivery jobs off the queue and hands them to the dispatcher.
package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data"
	domainjob "github.com/target/dispatchd/internal/domain/job"
	"github.com/target/dispatchd/internal/domain/model"
	obserrors "github.com/target/dispatchd/internal/observability/errors"
	"github.com/target/dispatchd/internal/observability/metrics"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service"
	"github.com/target/dispatchd/internal/service/failurenotifier"
)

// HandlerFunc processes a job. A nil error completes it, a *service.RescheduleError moves it
// back to pending, and any other error counts against its retries.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// Deliverer is the dispatcher surface the runner drives.
type Deliverer interface {
	Deliver(ctx context.Context, job *model.Job) error
	BatchDeliver(ctx context.Context, job *model.Job) error
	HandleExhausted(ctx context.Context, job *model.Job, outcome model.FailOutcome, cause error) error
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	DB         *sql.DB
	Logger     *slog.Logger
	Dispatcher Deliverer // Required

	// Job processing settings
	Lease        time.Duration // per-job lease duration; defaults to 60s
	Concurrency  int           // number of worker goroutines; defaults to 1
	JobType      model.JobType // which job type to process; defaults to message_deliver
	PollInterval time.Duration // wake-up fallback when no NOTIFY arrives; defaults to 15s

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner pulls jobs of one type and executes them using registered handlers.
type Runner struct {
	jobs       *service.JobService
	dispatcher Deliverer
	logger     *slog.Logger
	lease      time.Duration
	jobType    model.JobType
	workers    int
	handlers   map[model.JobType]HandlerFunc
	metrics    statsd.Sink
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// NewRunner wires the job service and constructs a runner for a single job type.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil {
		return nil, errors.New("either DB or JobsRepo must be provided")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 60 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	jt := opts.JobType
	if !jt.Valid() {
		jt = model.JobTypeMessageDeliver
	}

	repo := opts.JobsRepo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            repo,
		DefaultLease:    lease,
		Logger:          logger,
		FailureNotifier: opts.FailureNotifier,
		NotifierOptions: domainjob.NotifierOptions{PollInterval: opts.PollInterval},
	})
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	r := &Runner{
		jobs:       jobs,
		dispatcher: opts.Dispatcher,
		logger:     logger.With("component", componentLabel(jt)),
		lease:      lease,
		jobType:    jt,
		workers:    workers,
		handlers:   make(map[model.JobType]HandlerFunc),
		metrics:    opts.Metrics,
	}
	r.handlers[model.JobTypeMessageDeliver] = opts.Dispatcher.Deliver
	r.handlers[model.JobTypeMessageBatchDeliver] = opts.Dispatcher.BatchDeliver
	return r, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "type", r.jobType, "workers", r.workers, "lease", r.lease)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe for notifications for the job type we process
	unsub, ch := r.jobs.Subscribe(r.jobType)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.jobType, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

type jobEmitter func(transition, result string, err error)

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type %s", job.Type)
		r.fail(ctx, job, err, emit)
		return
	}

	stopHB := r.startHeartbeat(ctx, job.ID)
	err := h(ctx, job)
	stopHB()

	var rs *service.RescheduleError
	switch {
	case err == nil:
		r.complete(ctx, job, emit)
	case errors.As(err, &rs):
		r.reschedule(ctx, job, rs, emit)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown mid-job: the lease expires and another worker picks the job up.
		r.logger.InfoContext(ctx, "job interrupted by shutdown", "job_id", job.ID)
		emit("interrupted", metrics.ResultNoop, err)
	default:
		r.fail(ctx, job, err, emit)
	}
}

func (r *Runner) complete(ctx context.Context, job *model.Job, emit jobEmitter) {
	completed, err := r.jobs.Complete(ctx, job.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		emit("completed", metrics.ResultError, err)
		return
	}
	result := metrics.ResultNoop
	if completed {
		result = metrics.ResultSuccess
	}
	emit("completed", result, nil)
}

func (r *Runner) reschedule(ctx context.Context, job *model.Job, rs *service.RescheduleError, emit jobEmitter) {
	updated, err := r.jobs.Reschedule(ctx, model.RescheduleRequest{
		ID:           job.ID,
		At:           rs.At,
		Reason:       rs.Reason,
		CountAttempt: rs.CountAttempt,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "reschedule job error", "job_id", job.ID, "error", err)
		emit("rescheduled", metrics.ResultError, err)
		return
	}
	result := metrics.ResultNoop
	if updated {
		result = metrics.ResultSuccess
	}
	emit("rescheduled", result, nil)
}

// fail records the failure. Once the queue gives up on the job, its messages are handed
// to the dispatcher's exhaustion hook.
func (r *Runner) fail(ctx context.Context, job *model.Job, cause error, emit jobEmitter) {
	outcome, err := r.jobs.FailWithDetails(ctx, job.ID, cause.Error(), service.JobFailureDetails{
		ErrorClass: obserrors.Classify(cause),
		Metadata: map[string]string{
			"component": componentLabel(r.jobType),
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err, "original_error", cause)
		emit("failed", metrics.ResultError, cause)
		return
	}
	if !outcome.Exhausted() {
		emit("failed", metrics.ResultError, cause)
		return
	}
	if herr := r.dispatcher.HandleExhausted(ctx, job, outcome, cause); herr != nil {
		r.logger.ErrorContext(ctx, "handle exhausted job error", "job_id", job.ID, "error", herr)
	}
	emit("exhausted", metrics.ResultError, cause)
}

// startHeartbeat extends the job lease periodically while a handler runs.
// It returns a stop function to end the heartbeat.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := r.lease / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease); err != nil {
					r.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				} else if !ok {
					r.logger.WarnContext(ctx, "heartbeat not applied (job may be lost)", "job_id", jobID)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func componentLabel(jt model.JobType) string {
	switch jt {
	case model.JobTypeMessageDeliver:
		return "dispatch_runner"
	case model.JobTypeMessageBatchDeliver:
		return "batch_runner"
	default:
		return "job_runner"
	}
}
