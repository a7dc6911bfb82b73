// Package core declares the ports between the dispatch services and their collaborators.
package core

import (
	"context"
	"time"

	"github.com/target/dispatchd/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces, not on the data package.

// JobRepository defines the job queue operations used by the dispatcher and the runners.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	FindByMessageID(ctx context.Context, messageID string) (*model.Job, error)
	ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	// Complete deletes a running job; success leaves no trace in the queue.
	Complete(ctx context.Context, id string) (bool, error)
	// Reschedule returns a running job to pending at req.At. It never marks the job failed.
	Reschedule(ctx context.Context, req model.RescheduleRequest) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (model.FailOutcome, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	Delete(ctx context.Context, id string) error
}

// MessageRepository defines message store operations.
type MessageRepository interface {
	Create(ctx context.Context, req *model.CreateMessageRequest) (*model.Message, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// GetByIDs returns messages in the order of ids and fails if any id is unknown.
	GetByIDs(ctx context.Context, ids []string) ([]*model.Message, error)
	List(ctx context.Context, opts model.MessageListOptions) ([]*model.Message, error)
	// Save writes mutable fields when updated_at still matches msg.UpdatedAt and refreshes
	// msg.UpdatedAt. A stale write returns a conflict error.
	Save(ctx context.Context, msg *model.Message) error
	// Cancel marks the message cancelled and drops its pending job when no other message shares it.
	// Sent messages are rejected; cancelling a cancelled message changes nothing.
	Cancel(ctx context.Context, id string) (*model.Message, error)
	// MarkErrored moves deliverable messages to errored and releases their job links.
	MarkErrored(ctx context.Context, ids []string, reason string) (int64, error)
	// Retry moves an errored message back to staged with a fresh attempt budget.
	Retry(ctx context.Context, id string, dispatchAt time.Time) (*model.Message, error)
}

// DeliveryAttemptRepository persists delivery history.
type DeliveryAttemptRepository interface {
	Record(ctx context.Context, attempt *model.DeliveryAttempt) error
	ListByMessage(ctx context.Context, messageID string, limit int) ([]*model.DeliveryAttempt, error)
}

// DeliveryLock guards a message against concurrent sends from different workers.
type DeliveryLock interface {
	TryLock(ctx context.Context, messageID string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(ctx context.Context, messageID, token string) error
}

// Transport performs the actual send for one path type.
type Transport interface {
	Send(ctx context.Context, msg *model.Message) error
}

// TransportResolver selects the transport for a path type.
type TransportResolver interface {
	Resolve(pathType model.PathType) (Transport, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldDeliveryAttemptsParams groups parameters for DeleteOldDeliveryAttempts.
type DeleteOldDeliveryAttemptsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for queue cleanup operations.
type ReaperRepository interface {
	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldDeliveryAttempts deletes delivery history rows older than maxAge.
	DeleteOldDeliveryAttempts(ctx context.Context, params DeleteOldDeliveryAttemptsParams) (int64, error)
}
