//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import "time"

// DeliveryOutcome classifies a single delivery attempt.
type DeliveryOutcome string

const (
	DeliveryOutcomeSent      DeliveryOutcome = "sent"
	DeliveryOutcomeTransient DeliveryOutcome = "transient"
	DeliveryOutcomePermanent DeliveryOutcome = "permanent"
	DeliveryOutcomeSkipped   DeliveryOutcome = "skipped"
)

// DeliveryAttempt is a persisted record of one transport call (or skip) for a message.
// JobID may be nil once the originating job has been deleted.
type DeliveryAttempt struct {
	ID          int64           `json:"id"              db:"id"`
	MessageID   string          `json:"message_id"      db:"message_id"`
	JobID       *string         `json:"job_id"          db:"job_id"`
	PathType    PathType        `json:"path_type"       db:"path_type"`
	Outcome     DeliveryOutcome `json:"outcome"         db:"outcome"`
	Error       *string         `json:"error,omitempty" db:"error"`
	DurationMs  int64           `json:"duration_ms"     db:"duration_ms"`
	AttemptedAt time.Time       `json:"attempted_at"    db:"attempted_at"`
}
