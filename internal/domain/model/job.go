// Package model defines the core data types shared by the dispatch queue, message store, and transports.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeMessageDeliver delivers a single message.
	JobTypeMessageDeliver JobType = "message_deliver"
	// JobTypeMessageBatchDeliver delivers an ordered batch of messages sharing a path type.
	JobTypeMessageBatchDeliver JobType = "message_batch_deliver"

	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusFailed indicates a job exhausted its retries.
	JobStatusFailed JobStatus = "failed"
)

// MaxBatchSize bounds the number of messages a single batch job may reference.
const MaxBatchSize = 500

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeMessageDeliver || t == JobTypeMessageBatchDeliver
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusFailed
}

// Job represents a queued unit of delivery work.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                   db:"metadata"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"        db:"failed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// Handle returns the caller-facing reference to this job.
func (j *Job) Handle() JobHandle {
	return JobHandle{ID: j.ID, Type: j.Type, ScheduledAt: j.ScheduledAt}
}

// JobHandle identifies an enqueued job without exposing queue internals.
type JobHandle struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// DeliveryPayload is the JSON payload carried by message delivery jobs.
type DeliveryPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// EncodeDeliveryPayload renders the payload for messageIDs in order.
func EncodeDeliveryPayload(messageIDs []string) (json.RawMessage, error) {
	raw, err := json.Marshal(DeliveryPayload{MessageIDs: messageIDs})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodeDeliveryPayload parses a job payload and checks it references at least one message.
func DecodeDeliveryPayload(raw json.RawMessage) (DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DeliveryPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if len(p.MessageIDs) == 0 {
		return DeliveryPayload{}, errors.New("payload references no messages")
	}
	return p, nil
}

// CreateJobRequest represents a request to enqueue a delivery job.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	MessageIDs  []string        `json:"message_ids"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	// ParentJobID, when set, hands the listed messages over from the parent job
	// inside the same transaction that creates this job.
	ParentJobID *string `json:"parent_job_id,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.MessageIDs) == 0 {
		return errors.New("at least one message id is required")
	}
	if r.Type == JobTypeMessageDeliver && len(r.MessageIDs) != 1 {
		return errors.New("single delivery job must reference exactly one message")
	}
	if len(r.MessageIDs) > MaxBatchSize {
		return fmt.Errorf("batch exceeds %d messages", MaxBatchSize)
	}
	seen := make(map[string]struct{}, len(r.MessageIDs))
	for _, id := range r.MessageIDs {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("message id %q must be a valid UUID", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate message id %q", id)
		}
		seen[id] = struct{}{}
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if r.ParentJobID != nil {
		if _, err := uuid.Parse(*r.ParentJobID); err != nil {
			return errors.New("parent job id must be a valid UUID")
		}
	}
	return nil
}

// JobStats represents statistics about jobs in different states.
type JobStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// JobStatusResponse represents the status information for a specific job.
type JobStatusResponse struct {
	Status    JobStatus  `json:"status"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	LastError *string    `json:"last_error,omitempty"`
}

// FailOutcome reports what happened to a job after a failure was recorded.
type FailOutcome struct {
	// Updated is false when the job was not running (lease lost or already finalised).
	Updated bool
	// Status is the job status after the failure: pending when it will be retried, failed when exhausted.
	Status JobStatus
	// MessageIDs lists the messages released from the job when it became failed.
	MessageIDs []string
}

// Exhausted reports whether the job has no retries left.
func (o FailOutcome) Exhausted() bool {
	return o.Updated && o.Status == JobStatusFailed
}

// RescheduleRequest moves a running job back to pending at a later time.
type RescheduleRequest struct {
	ID     string
	At     time.Time
	Reason string
	// CountAttempt increments retry_count; deferrals that made no delivery attempt leave it unchanged.
	CountAttempt bool
}
