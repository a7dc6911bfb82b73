// Package notify defines the failure notice fanned out to alert sinks.
package notify

import (
	"context"
	"time"
)

// SeverityCritical is the default severity for failure notices.
const SeverityCritical = "critical"

// Failure kinds.
const (
	KindJobFailed      = "job_failed"
	KindMessageErrored = "message_errored"
)

// FailurePayload describes a delivery job that gave up and the messages it left errored.
type FailurePayload struct {
	Kind       string
	JobID      string
	JobType    string
	PathType   string
	MessageIDs []string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink consumes failure notices.
type Sink interface {
	SendFailure(ctx context.Context, payload FailurePayload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload FailurePayload) error

// SendFailure calls f.
func (f SinkFunc) SendFailure(ctx context.Context, payload FailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
