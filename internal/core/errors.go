package core

import "errors"

// Sentinel errors shared by the repositories and the services that call them.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when deleting a job that is currently leased by a worker.
	ErrJobNotDeletable = errors.New("job is running and cannot be deleted")

	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageConflict is returned by Save when the stored updated_at no longer matches.
	ErrMessageConflict = errors.New("message was modified concurrently")
	// ErrMessageAlreadyQueued is returned when a message already has a live delivery job.
	ErrMessageAlreadyQueued = errors.New("message already has a live delivery job")
	// ErrMessageNotHeld is returned when moving a message off a parent job that no longer carries it.
	ErrMessageNotHeld = errors.New("message is not held by the parent job")
	// ErrMessageNotDeliverable is returned when enqueueing a message that is sent, cancelled or errored.
	ErrMessageNotDeliverable = errors.New("message is not in a deliverable state")
	// ErrMessageSent is returned when cancelling a message that has already been delivered.
	ErrMessageSent = errors.New("message already sent")
	// ErrMessageNotErrored is returned when retrying a message that is not errored.
	ErrMessageNotErrored = errors.New("message is not errored")
)
