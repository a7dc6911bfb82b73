package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/dispatchd/internal/core"
	domainjob "github.com/target/dispatchd/internal/domain/job"
	"github.com/target/dispatchd/internal/domain/model"
	apperrors "github.com/target/dispatchd/internal/errors"
	"github.com/target/dispatchd/internal/observability/metrics"
	"github.com/target/dispatchd/internal/observability/notify"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service/failurenotifier"
	"github.com/target/dispatchd/internal/transport"
)

const (
	defaultLockTTL = 2 * time.Minute
	// maxSaveRetries bounds how often a stale message write is re-derived from a fresh copy.
	maxSaveRetries = 2
)

// RescheduleError asks the job runner to return the job to pending at At instead of
// completing or failing it.
type RescheduleError struct {
	At time.Time
	// CountAttempt is true when a delivery was actually attempted.
	CountAttempt bool
	Reason       string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s: %s", e.At.UTC().Format(time.RFC3339), e.Reason)
}

// DispatcherStores groups the persistence ports used by the dispatcher.
type DispatcherStores struct {
	Jobs     core.JobRepository             // Required
	Messages core.MessageRepository         // Required
	Attempts core.DeliveryAttemptRepository // Optional: delivery history
}

// DispatcherConfig holds policies and optional collaborators.
type DispatcherConfig struct {
	Backoff  *domainjob.Backoff       // Optional: defaults to domainjob.DefaultBackoff
	Lock     core.DeliveryLock        // Optional: per-message send guard
	LockTTL  time.Duration            // Optional: defaults to 2m
	Notifier *failurenotifier.Service // Optional: errored-message notices
	Metrics  statsd.Sink              // Optional
	Logger   *slog.Logger             // Optional
	Now      func() time.Time         // Optional: defaults to time.Now in UTC
	// MaxRetries is stored on jobs the dispatcher creates; 0 uses the queue default.
	MaxRetries int
}

// DispatcherServiceOptions groups dependencies for DispatcherService.
type DispatcherServiceOptions struct {
	Stores     DispatcherStores
	Transports core.TransportResolver // Required
	Config     DispatcherConfig
}

// DispatcherService enqueues delivery jobs and runs the delivery callbacks the job runners invoke.
// It owns no goroutines; callbacks run on the runner's workers.
type DispatcherService struct {
	jobs       core.JobRepository
	messages   core.MessageRepository
	attempts   core.DeliveryAttemptRepository
	transports core.TransportResolver
	backoff    *domainjob.Backoff
	lock       core.DeliveryLock
	lockTTL    time.Duration
	notifier   *failurenotifier.Service
	metrics    statsd.Sink
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
}

// NewDispatcherService constructs a DispatcherService.
func NewDispatcherService(opts DispatcherServiceOptions) (*DispatcherService, error) {
	if opts.Stores.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Stores.Messages == nil {
		return nil, errors.New("MessageRepository is required")
	}
	if opts.Transports == nil {
		return nil, errors.New("TransportResolver is required")
	}
	cfg := opts.Config
	if cfg.Backoff == nil {
		cfg.Backoff = domainjob.DefaultBackoff()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatcherService{
		jobs:       opts.Stores.Jobs,
		messages:   opts.Stores.Messages,
		attempts:   opts.Stores.Attempts,
		transports: opts.Transports,
		backoff:    cfg.Backoff,
		lock:       cfg.Lock,
		lockTTL:    cfg.LockTTL,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "dispatcher"),
		now:        cfg.Now,
		maxRetries: max(cfg.MaxRetries, 0),
	}, nil
}

// MustNewDispatcherService constructs a DispatcherService and panics on error.
func MustNewDispatcherService(opts DispatcherServiceOptions) *DispatcherService {
	svc, err := NewDispatcherService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create DispatcherService: %v", err))
	}
	return svc
}

// Dispatch enqueues one single-message job at the message's dispatch_at. Nothing is sent
// and the message is not modified.
func (d *DispatcherService) Dispatch(ctx context.Context, messageID string) (model.JobHandle, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return model.JobHandle{}, apperrors.ValidationField("message_id", "message id must be a valid UUID")
	}
	msg, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return model.JobHandle{}, mapStoreError(err, "load message")
	}
	if err := requireDeliverable(msg); err != nil {
		return model.JobHandle{}, err
	}

	at := msg.DispatchAt
	job, err := d.jobs.Create(ctx, &model.CreateJobRequest{
		Type:        model.JobTypeMessageDeliver,
		MessageIDs:  []string{msg.ID},
		ScheduledAt: &at,
		MaxRetries:  d.maxRetries,
	})
	if err != nil {
		return model.JobHandle{}, mapStoreError(err, "enqueue delivery job")
	}
	d.logger.DebugContext(ctx, "dispatched message",
		"message_id", msg.ID, "job_id", job.ID, "scheduled_at", job.ScheduledAt)
	return job.Handle(), nil
}

// BatchDispatch enqueues one batch job for messageIDs in order. The job is scheduled at the
// latest dispatch_at among the members so none is attempted early.
func (d *DispatcherService) BatchDispatch(ctx context.Context, messageIDs []string) (model.JobHandle, error) {
	if err := validateBatchIDs(messageIDs); err != nil {
		return model.JobHandle{}, err
	}
	msgs, err := d.messages.GetByIDs(ctx, messageIDs)
	if err != nil {
		return model.JobHandle{}, mapStoreError(err, "load batch messages")
	}

	pathType := msgs[0].PathType
	at := msgs[0].DispatchAt
	for _, m := range msgs {
		if m.PathType != pathType {
			return model.JobHandle{}, apperrors.ValidationField("message_ids",
				fmt.Sprintf("batch mixes path types %s and %s", pathType, m.PathType))
		}
		if err := requireDeliverable(m); err != nil {
			return model.JobHandle{}, err
		}
		if m.DispatchAt.After(at) {
			at = m.DispatchAt
		}
	}

	job, err := d.jobs.Create(ctx, &model.CreateJobRequest{
		Type:        model.JobTypeMessageBatchDeliver,
		MessageIDs:  messageIDs,
		ScheduledAt: &at,
		MaxRetries:  d.maxRetries,
	})
	if err != nil {
		return model.JobHandle{}, mapStoreError(err, "enqueue batch delivery job")
	}
	d.logger.DebugContext(ctx, "dispatched batch",
		"job_id", job.ID, "size", len(messageIDs), "path_type", pathType, "scheduled_at", job.ScheduledAt)
	return job.Handle(), nil
}

func validateBatchIDs(ids []string) error {
	if len(ids) == 0 {
		return apperrors.ValidationField("message_ids", "batch must contain at least one message")
	}
	if len(ids) > model.MaxBatchSize {
		return apperrors.ValidationField("message_ids", fmt.Sprintf("batch exceeds %d messages", model.MaxBatchSize))
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return apperrors.ValidationField("message_ids", fmt.Sprintf("message id %q must be a valid UUID", id))
		}
		if _, dup := seen[id]; dup {
			return apperrors.ValidationField("message_ids", fmt.Sprintf("duplicate message id %q", id))
		}
		seen[id] = struct{}{}
	}
	return nil
}

func requireDeliverable(msg *model.Message) error {
	if msg.State.Deliverable() {
		return nil
	}
	return apperrors.Wrapf(core.ErrMessageNotDeliverable, apperrors.ErrCodeConflict,
		"message %s is %s", msg.ID, msg.State)
}

// Deliver is the callback for single-message jobs.
func (d *DispatcherService) Deliver(ctx context.Context, job *model.Job) error {
	payload, err := model.DecodeDeliveryPayload(job.Payload)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if len(payload.MessageIDs) != 1 {
		return fmt.Errorf("job %s: single delivery job references %d messages", job.ID, len(payload.MessageIDs))
	}

	msg, err := d.messages.GetByID(ctx, payload.MessageIDs[0])
	if errors.Is(err, core.ErrMessageNotFound) {
		d.logger.WarnContext(ctx, "message for delivery job no longer exists",
			"job_id", job.ID, "message_id", payload.MessageIDs[0])
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %s: %w", payload.MessageIDs[0], err)
	}

	if !msg.State.Deliverable() {
		d.skip(ctx, job, msg)
		return nil
	}

	now := d.now()
	if !msg.Due(now) {
		return &RescheduleError{At: msg.DispatchAt, Reason: "message not yet due"}
	}

	release, held := d.acquire(ctx, msg.ID)
	if !held {
		return &RescheduleError{At: now.Add(d.lockTTL), Reason: "message is locked by another worker"}
	}
	defer release()

	res := d.send(ctx, job, msg)
	if res.interrupted {
		return fmt.Errorf("deliver message %s interrupted: %w", msg.ID, res.err)
	}
	switch res.outcome {
	case model.DeliveryOutcomeSent:
		return d.markSent(ctx, msg)
	case model.DeliveryOutcomeTransient:
		updated, written, err := d.applyTransient(ctx, msg, res.err)
		if err != nil {
			return err
		}
		if !written || !updated.State.Deliverable() {
			// Cancelled meanwhile, or out of attempts: either way the job is done.
			return nil
		}
		return &RescheduleError{At: updated.DispatchAt, CountAttempt: true, Reason: res.err.Error()}
	default:
		d.recordPermanent(ctx, msg, res.err)
		return fmt.Errorf("deliver message %s: %w", msg.ID, res.err)
	}
}

// BatchDeliver is the callback for batch jobs. Every member is attempted at most once;
// failures are split off into single-message jobs and the batch job itself completes.
// Only infrastructure errors are returned.
func (d *DispatcherService) BatchDeliver(ctx context.Context, job *model.Job) error {
	payload, err := model.DecodeDeliveryPayload(job.Payload)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	msgs, err := d.messages.GetByIDs(ctx, payload.MessageIDs)
	if err != nil {
		return fmt.Errorf("load batch messages: %w", err)
	}

	var sent, split, skipped, moved int
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch job %s interrupted: %w", job.ID, err)
		}
		handled, err := d.deliverMember(ctx, job, msg)
		if err != nil {
			return err
		}
		switch handled {
		case memberSent:
			sent++
		case memberSplit:
			split++
		case memberMoved:
			moved++
		default:
			skipped++
		}
	}
	d.logger.InfoContext(ctx, "batch delivered",
		"job_id", job.ID, "sent", sent, "split", split, "skipped", skipped, "moved", moved)
	return nil
}

type memberResult int

const (
	memberSkipped memberResult = iota
	memberSent
	memberSplit
	// memberMoved marks a message the batch no longer carries, split off by an earlier run.
	memberMoved
)

func (d *DispatcherService) deliverMember(ctx context.Context, job *model.Job, msg *model.Message) (memberResult, error) {
	if !msg.State.Deliverable() {
		d.skip(ctx, job, msg)
		return memberSkipped, nil
	}
	held, err := d.holds(ctx, job, msg.ID)
	if err != nil {
		return memberSkipped, err
	}
	if !held {
		d.logger.DebugContext(ctx, "batch member already moved to another job",
			"job_id", job.ID, "message_id", msg.ID)
		return memberMoved, nil
	}
	now := d.now()
	if !msg.Due(now) {
		return memberSplit, d.split(ctx, job, msg.ID, msg.DispatchAt)
	}

	release, held := d.acquire(ctx, msg.ID)
	if !held {
		return memberSplit, d.split(ctx, job, msg.ID, now.Add(d.lockTTL))
	}
	defer release()

	res := d.send(ctx, job, msg)
	if res.interrupted {
		return memberSkipped, fmt.Errorf("batch job %s interrupted at message %s: %w", job.ID, msg.ID, res.err)
	}
	switch res.outcome {
	case model.DeliveryOutcomeSent:
		return memberSent, d.markSent(ctx, msg)
	case model.DeliveryOutcomeTransient:
		updated, written, err := d.applyTransient(ctx, msg, res.err)
		if err != nil {
			return memberSkipped, err
		}
		if !written || !updated.State.Deliverable() {
			return memberSkipped, nil
		}
		return memberSplit, d.split(ctx, job, msg.ID, updated.DispatchAt)
	default:
		d.recordPermanent(ctx, msg, res.err)
		return memberSplit, d.split(ctx, job, msg.ID, now)
	}
}

// holds reports whether job still carries messageID.
func (d *DispatcherService) holds(ctx context.Context, job *model.Job, messageID string) (bool, error) {
	owner, err := d.jobs.FindByMessageID(ctx, messageID)
	if errors.Is(err, core.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find job for message %s: %w", messageID, err)
	}
	return owner.ID == job.ID, nil
}

// split moves messageID from the batch job into a fresh single-message job at at.
// A message the batch no longer holds is left where it is.
func (d *DispatcherService) split(ctx context.Context, batch *model.Job, messageID string, at time.Time) error {
	parent := batch.ID
	job, err := d.jobs.Create(ctx, &model.CreateJobRequest{
		Type:        model.JobTypeMessageDeliver,
		MessageIDs:  []string{messageID},
		ScheduledAt: &at,
		MaxRetries:  d.maxRetries,
		ParentJobID: &parent,
	})
	if errors.Is(err, core.ErrMessageNotHeld) {
		d.logger.InfoContext(ctx, "batch member released before split",
			"batch_job_id", batch.ID, "message_id", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("split message %s from batch %s: %w", messageID, batch.ID, err)
	}
	d.logger.DebugContext(ctx, "split message from batch",
		"batch_job_id", batch.ID, "job_id", job.ID, "message_id", messageID, "scheduled_at", at)
	return nil
}

type sendResult struct {
	outcome model.DeliveryOutcome
	err     error
	// Set when the send was cut short by cancellation; nothing is recorded.
	interrupted bool
}

// send resolves the transport and performs one attempt, recording history and metrics.
func (d *DispatcherService) send(ctx context.Context, job *model.Job, msg *model.Message) sendResult {
	start := time.Now()
	var res sendResult
	t, err := d.transports.Resolve(msg.PathType)
	if err != nil {
		res = sendResult{outcome: model.DeliveryOutcomePermanent, err: err}
	} else if err := t.Send(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return sendResult{err: err, interrupted: true}
		}
		res = sendResult{outcome: model.DeliveryOutcomePermanent, err: err}
		if transport.IsTransient(err) {
			res.outcome = model.DeliveryOutcomeTransient
		}
	} else {
		res = sendResult{outcome: model.DeliveryOutcomeSent}
	}
	elapsed := time.Since(start)

	metrics.EmitDelivery(d.metrics, metrics.DeliveryMetric{
		PathType: string(msg.PathType),
		Outcome:  string(res.outcome),
		Duration: elapsed,
		Err:      res.err,
	})
	d.record(ctx, job, msg, res, elapsed)
	if res.err != nil {
		d.logger.InfoContext(ctx, "delivery attempt failed",
			"message_id", msg.ID, "job_id", job.ID, "path_type", msg.PathType,
			"outcome", res.outcome, "error", res.err)
	}
	return res
}

func (d *DispatcherService) skip(ctx context.Context, job *model.Job, msg *model.Message) {
	d.logger.DebugContext(ctx, "skipping undeliverable message",
		"message_id", msg.ID, "job_id", job.ID, "state", msg.State)
	metrics.EmitDelivery(d.metrics, metrics.DeliveryMetric{
		PathType: string(msg.PathType),
		Outcome:  string(model.DeliveryOutcomeSkipped),
	})
	d.record(ctx, job, msg, sendResult{outcome: model.DeliveryOutcomeSkipped}, 0)
}

// record writes delivery history. Failures are logged; history never blocks delivery.
func (d *DispatcherService) record(
	ctx context.Context,
	job *model.Job,
	msg *model.Message,
	res sendResult,
	elapsed time.Duration,
) {
	if d.attempts == nil {
		return
	}
	jobID := job.ID
	attempt := &model.DeliveryAttempt{
		MessageID:  msg.ID,
		JobID:      &jobID,
		PathType:   msg.PathType,
		Outcome:    res.outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if res.err != nil {
		reason := res.err.Error()
		attempt.Error = &reason
	}
	if err := d.attempts.Record(context.WithoutCancel(ctx), attempt); err != nil {
		d.logger.WarnContext(ctx, "record delivery attempt", "message_id", msg.ID, "error", err)
	}
}

// acquire takes the per-message lock. A lock backend error degrades to proceeding unlocked,
// since the job lease already serialises workers on the same job.
func (d *DispatcherService) acquire(ctx context.Context, messageID string) (func(), bool) {
	if d.lock == nil {
		return func() {}, true
	}
	token, ok, err := d.lock.TryLock(ctx, messageID, d.lockTTL)
	if err != nil {
		d.logger.WarnContext(ctx, "delivery lock unavailable; proceeding without it",
			"message_id", messageID, "error", err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := d.lock.Unlock(context.WithoutCancel(ctx), messageID, token); err != nil {
			d.logger.WarnContext(ctx, "release delivery lock", "message_id", messageID, "error", err)
		}
	}, true
}

// markSent records a successful send. A cancel that raced the send loses: the message left.
func (d *DispatcherService) markSent(ctx context.Context, msg *model.Message) error {
	now := d.now()
	_, _, err := d.apply(ctx, msg, func(m *model.Message) bool {
		if m.State == model.MessageStateSent {
			return false
		}
		if !m.State.Deliverable() {
			d.logger.WarnContext(ctx, "message changed state during send; keeping sent",
				"message_id", m.ID, "observed_state", m.State)
		}
		m.State = model.MessageStateSent
		m.SentAt = &now
		m.LastError = nil
		return true
	})
	if err != nil {
		return fmt.Errorf("mark message %s sent: %w", msg.ID, err)
	}
	return nil
}

// applyTransient counts a transient failure and moves dispatch_at along the backoff curve,
// or marks the message errored once the attempt cap is reached. written is false when the
// message stopped being deliverable in the meantime.
func (d *DispatcherService) applyTransient(
	ctx context.Context,
	msg *model.Message,
	cause error,
) (*model.Message, bool, error) {
	now := d.now()
	reason := cause.Error()
	updated, written, err := d.apply(ctx, msg, func(m *model.Message) bool {
		if !m.State.Deliverable() {
			return false
		}
		m.Attempts++
		m.LastError = &reason
		if d.backoff.Exhausted(m.Attempts) {
			m.State = model.MessageStateErrored
			return true
		}
		m.DispatchAt = d.backoff.Next(m.Attempts, now)
		if hint, ok := transport.RetryAfter(cause); ok && now.Add(hint).After(m.DispatchAt) {
			m.DispatchAt = now.Add(hint)
		}
		return true
	})
	if err != nil {
		return nil, false, fmt.Errorf("reschedule message %s: %w", msg.ID, err)
	}
	if !written {
		d.logger.DebugContext(ctx, "message no longer deliverable after transient failure",
			"message_id", updated.ID, "state", updated.State)
		return updated, false, nil
	}
	if updated.State == model.MessageStateErrored {
		d.notifyErrored(ctx, updated, cause)
	}
	return updated, true, nil
}

// recordPermanent stores the last error on the message. The queue owns the retry decision.
func (d *DispatcherService) recordPermanent(ctx context.Context, msg *model.Message, cause error) {
	reason := cause.Error()
	_, _, err := d.apply(ctx, msg, func(m *model.Message) bool {
		if !m.State.Deliverable() {
			return false
		}
		m.LastError = &reason
		return true
	})
	if err != nil {
		d.logger.WarnContext(ctx, "record permanent failure on message", "message_id", msg.ID, "error", err)
	}
}

// apply runs mutate on msg and saves it. A stale write reloads the message and runs mutate
// against the fresh copy; mutate returns false to abandon the write.
func (d *DispatcherService) apply(
	ctx context.Context,
	msg *model.Message,
	mutate func(*model.Message) bool,
) (*model.Message, bool, error) {
	current := msg
	for attempt := 0; ; attempt++ {
		if !mutate(current) {
			return current, false, nil
		}
		err := d.messages.Save(ctx, current)
		if err == nil {
			return current, true, nil
		}
		if !errors.Is(err, core.ErrMessageConflict) || attempt >= maxSaveRetries {
			return current, false, err
		}
		fresh, err := d.messages.GetByID(ctx, current.ID)
		if err != nil {
			return current, false, fmt.Errorf("reload message: %w", err)
		}
		d.logger.DebugContext(ctx, "message changed concurrently; re-deriving",
			"message_id", fresh.ID, "state", fresh.State)
		current = fresh
	}
}

// HandleExhausted runs after the queue gave up on a job: the messages it released become
// errored so they are never picked up again without an explicit retry.
func (d *DispatcherService) HandleExhausted(ctx context.Context, job *model.Job, outcome model.FailOutcome, cause error) error {
	if len(outcome.MessageIDs) == 0 {
		return nil
	}
	reason := "delivery job failed"
	if cause != nil {
		reason = cause.Error()
	}
	n, err := d.messages.MarkErrored(ctx, outcome.MessageIDs, reason)
	if err != nil {
		return fmt.Errorf("mark messages errored for job %s: %w", job.ID, err)
	}
	d.logger.WarnContext(ctx, "delivery job exhausted retries",
		"job_id", job.ID, "job_type", job.Type, "messages", len(outcome.MessageIDs), "errored", n)
	return nil
}

func (d *DispatcherService) notifyErrored(ctx context.Context, msg *model.Message, cause error) {
	d.logger.WarnContext(ctx, "message exhausted delivery attempts",
		"message_id", msg.ID, "attempts", msg.Attempts, "error", cause)
	if !d.notifier.Enabled() {
		return
	}
	d.notifier.Notify(ctx, notify.FailurePayload{
		Kind:       notify.KindMessageErrored,
		PathType:   string(msg.PathType),
		MessageIDs: []string{msg.ID},
		Error:      cause.Error(),
		ErrorClass: "transient_exhausted",
		Metadata: map[string]string{
			"attempts":     fmt.Sprint(msg.Attempts),
			"max_attempts": fmt.Sprint(d.backoff.MaxAttempts()),
		},
	})
}

// mapStoreError turns repository sentinels into application errors for synchronous callers.
func mapStoreError(err error, op string) error {
	switch {
	case errors.Is(err, core.ErrMessageNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "message not found")
	case errors.Is(err, core.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "job not found")
	case errors.Is(err, core.ErrMessageAlreadyQueued):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "message already has a live delivery job")
	case errors.Is(err, core.ErrMessageConflict), errors.Is(err, core.ErrMessageSent),
		errors.Is(err, core.ErrMessageNotErrored), errors.Is(err, core.ErrJobNotDeletable):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, err.Error())
	}
	if mapped := apperrors.MapDBError(err); apperrors.GetCode(mapped) != "" {
		return mapped
	}
	return fmt.Errorf("%s: %w", op, err)
}
