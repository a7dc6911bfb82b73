//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxRecipientLen = 512
	maxSubjectLen   = 998
)

// MessageState is the lifecycle state of a message.
type MessageState string

const (
	MessageStateStaged     MessageState = "staged"
	MessageStateDispatched MessageState = "dispatched"
	MessageStateSent       MessageState = "sent"
	MessageStateCancelled  MessageState = "cancelled"
	MessageStateErrored    MessageState = "errored"
)

// Valid reports whether the state is one of the known states.
func (s MessageState) Valid() bool {
	switch s {
	case MessageStateStaged, MessageStateDispatched, MessageStateSent, MessageStateCancelled, MessageStateErrored:
		return true
	default:
		return false
	}
}

// Deliverable reports whether a delivery attempt may still be made in this state.
func (s MessageState) Deliverable() bool {
	return s == MessageStateStaged || s == MessageStateDispatched
}

// Final reports whether the state ends the message lifecycle.
func (s MessageState) Final() bool {
	return s == MessageStateSent || s == MessageStateCancelled
}

// PathType selects the transport a message is delivered through.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type PathType string

const (
	PathTypeEmail    PathType = "email"
	PathTypeWebhook  PathType = "webhook"
	PathTypeTelegram PathType = "telegram"
)

// Valid reports whether the path type is supported.
func (p PathType) Valid() bool {
	switch p {
	case PathTypeEmail, PathTypeWebhook, PathTypeTelegram:
		return true
	default:
		return false
	}
}

// ParsePathType normalizes a path type string and reports whether it is supported.
func ParsePathType(value string) (PathType, bool) {
	p := PathType(strings.ToLower(strings.TrimSpace(value)))
	if p.Valid() {
		return p, true
	}
	return "", false
}

// UnmarshalText implements encoding.TextUnmarshaler so path types can be parsed from env and flags.
func (p *PathType) UnmarshalText(text []byte) error {
	v, ok := ParsePathType(string(text))
	if !ok {
		return fmt.Errorf("invalid PathType: %q", string(text))
	}
	*p = v
	return nil
}

// Message is a single deliverable unit.
type Message struct {
	ID         string       `json:"id"                   db:"id"`
	State      MessageState `json:"state"                db:"state"`
	PathType   PathType     `json:"path_type"            db:"path_type"`
	Recipient  string       `json:"recipient"            db:"recipient"`
	Subject    string       `json:"subject,omitempty"    db:"subject"`
	Body       string       `json:"body"                 db:"body"`
	DispatchAt time.Time    `json:"dispatch_at"          db:"dispatch_at"`
	Attempts   int          `json:"attempts"             db:"attempts"`
	LastError  *string      `json:"last_error,omitempty" db:"last_error"`
	SentAt     *time.Time   `json:"sent_at,omitempty"    db:"sent_at"`
	CreatedAt  time.Time    `json:"created_at"           db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"           db:"updated_at"`
}

// Due reports whether the message may be attempted at now.
func (m *Message) Due(now time.Time) bool {
	return !m.DispatchAt.After(now)
}

// CreateMessageRequest carries the fields needed to stage a new message.
type CreateMessageRequest struct {
	PathType   PathType   `json:"path_type"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	DispatchAt *time.Time `json:"dispatch_at,omitempty"`
}

// Normalize trims user supplied fields in place.
func (r *CreateMessageRequest) Normalize() {
	r.PathType = PathType(strings.ToLower(strings.TrimSpace(string(r.PathType))))
	r.Recipient = strings.TrimSpace(r.Recipient)
	r.Subject = strings.TrimSpace(r.Subject)
}

// Validate checks the request.
func (r *CreateMessageRequest) Validate() error {
	if !r.PathType.Valid() {
		return fmt.Errorf("unsupported path type %q", r.PathType)
	}
	if r.Recipient == "" {
		return errors.New("recipient is required")
	}
	if utf8.RuneCountInString(r.Recipient) > maxRecipientLen {
		return fmt.Errorf("recipient exceeds %d characters", maxRecipientLen)
	}
	if utf8.RuneCountInString(r.Subject) > maxSubjectLen {
		return fmt.Errorf("subject exceeds %d characters", maxSubjectLen)
	}
	if r.PathType == PathTypeEmail && !strings.Contains(r.Recipient, "@") {
		return errors.New("email recipient must contain @")
	}
	if strings.TrimSpace(r.Body) == "" {
		return errors.New("body is required")
	}
	return nil
}

// MessageListOptions filters message listings.
type MessageListOptions struct {
	State  *MessageState
	Limit  int
	Offset int
}
