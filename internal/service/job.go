package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/target/dispatchd/internal/core"
	domainjob "github.com/target/dispatchd/internal/domain/job"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/observability/notify"
	"github.com/target/dispatchd/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for delivery jobs including pub/sub notifications.
//
// This service manages:
// - Job reservation and lease management
// - Completion, rescheduling and failure of running jobs
// - Pub/sub notification system for job availability
// - Graceful shutdown of all listeners.
type JobService struct {
	repo            core.JobRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// ReserveNext reserves the next due job of the given type for processing.
func (s *JobService) ReserveNext(
	ctx context.Context,
	jobType model.JobType,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped lease duration",
			"requested_duration", decision.Requested,
			"job_type", jobType)
	}

	job, err := s.repo.ReserveNext(ctx, jobType, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"type", jobType,
			"retry_count", job.RetryCount,
			"lease_seconds", decision.Seconds)
	}

	return job, nil
}

// Subscribe creates a subscription for job notifications of the given type.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(jobType)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return s.repo.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// Complete removes a finished job from the queue.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// Reschedule returns a running job to pending at req.At without failing it.
func (s *JobService) Reschedule(ctx context.Context, req model.RescheduleRequest) (bool, error) {
	if req.ID == "" {
		return false, errors.New("job id is required")
	}
	updated, err := s.repo.Reschedule(ctx, req)
	if err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", req.ID, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job rescheduled",
			"id", req.ID,
			"at", req.At,
			"count_attempt", req.CountAttempt,
			"reason", req.Reason)
	}

	return updated, nil
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	ErrorClass string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// Fail records a failed attempt for a running job.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (model.FailOutcome, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// FailWithDetails records a failed attempt. The job returns to pending until it runs out of
// retries; only then is a failure notification sent.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	id, errMsg string,
	details JobFailureDetails,
) (model.FailOutcome, error) {
	if errMsg == "" {
		return model.FailOutcome{}, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier.Enabled() {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", id, "error", err)
		}
	}

	outcome, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return model.FailOutcome{}, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && outcome.Updated {
		s.logger.DebugContext(ctx, "job failed",
			"id", id,
			"status", outcome.Status,
			"error", errMsg)
	}

	if outcome.Exhausted() && s.failureNotifier.Enabled() {
		s.failureNotifier.Notify(ctx, buildJobFailurePayload(jobFailurePayloadInput{
			ID:      id,
			Job:     job,
			ErrMsg:  errMsg,
			Outcome: outcome,
			Details: details,
		}))
	}

	return outcome, nil
}

type jobFailurePayloadInput struct {
	ID      string
	Job     *model.Job
	ErrMsg  string
	Outcome model.FailOutcome
	Details JobFailureDetails
}

func buildJobFailurePayload(input jobFailurePayloadInput) notify.FailurePayload {
	payload := notify.FailurePayload{
		Kind:       notify.KindJobFailed,
		JobID:      input.ID,
		MessageIDs: input.Outcome.MessageIDs,
		Error:      input.ErrMsg,
		ErrorClass: input.Details.ErrorClass,
		Severity:   input.Details.Severity,
		OccurredAt: input.Details.OccurredAt,
		Metadata:   copyMetadata(input.Details.Metadata),
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}
	if job := input.Job; job != nil {
		payload.JobType = string(job.Type)
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{
			"retry_count": strconv.Itoa(job.RetryCount + 1),
			"max_retries": strconv.Itoa(job.MaxRetries),
			"priority":    strconv.Itoa(job.Priority),
		})
	}
	if len(payload.Metadata) == 0 {
		payload.Metadata = nil
	}
	return payload
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := copyMetadata(base)
	if out == nil && len(extra) == 0 {
		return nil
	}
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// Stats returns statistics about jobs of the given type in different states.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats for type %s: %w", jobType, err)
	}
	return stats, nil
}

// GetStatus returns the status information for a specific job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusResponse{
		Status:    job.Status,
		FailedAt:  job.FailedAt,
		LastError: job.LastError,
	}, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// FindByMessageID returns the live job that currently owns a message.
func (s *JobService) FindByMessageID(ctx context.Context, messageID string) (*model.Job, error) {
	job, err := s.repo.FindByMessageID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("find job for message %s: %w", messageID, err)
	}
	return job, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
// Only pending jobs without an active lease, or failed jobs, can be deleted.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}

	return nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
