package testutil

import (
	"time"

	"github.com/target/dispatchd/internal/domain/model"
)

// MessageBuilder builds model.Message values for unit tests.
type MessageBuilder struct {
	msg model.Message
}

// NewMessage starts a staged email message due at TestTime.
func NewMessage(id string) *MessageBuilder {
	now := TestTime()
	return &MessageBuilder{msg: model.Message{
		ID:         id,
		State:      model.MessageStateStaged,
		PathType:   model.PathTypeEmail,
		Recipient:  "ops@example.com",
		Subject:    "hello",
		Body:       "body",
		DispatchAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
}

// WithState sets the state.
func (b *MessageBuilder) WithState(s model.MessageState) *MessageBuilder {
	b.msg.State = s
	return b
}

// WithPathType sets the path type.
func (b *MessageBuilder) WithPathType(p model.PathType) *MessageBuilder {
	b.msg.PathType = p
	return b
}

// WithDispatchAt sets dispatch_at.
func (b *MessageBuilder) WithDispatchAt(t time.Time) *MessageBuilder {
	b.msg.DispatchAt = t
	return b
}

// WithAttempts sets the transient failure count.
func (b *MessageBuilder) WithAttempts(n int) *MessageBuilder {
	b.msg.Attempts = n
	return b
}

// Build returns a fresh copy of the message.
func (b *MessageBuilder) Build() *model.Message {
	m := b.msg
	return &m
}

// NewCreateMessageRequest returns a valid request for the given path type.
func NewCreateMessageRequest(p model.PathType) *model.CreateMessageRequest {
	recipient := "ops@example.com"
	switch p {
	case model.PathTypeWebhook:
		recipient = "https://hooks.example.com/notify"
	case model.PathTypeTelegram:
		recipient = "123456789"
	}
	return &model.CreateMessageRequest{PathType: p, Recipient: recipient, Subject: "hello", Body: "body"}
}

// NewJob returns a running job referencing messageIDs.
func NewJob(id string, jobType model.JobType, messageIDs ...string) *model.Job {
	payload, _ := model.EncodeDeliveryPayload(messageIDs)
	now := TestTime()
	return &model.Job{
		ID:          id,
		Type:        jobType,
		Status:      model.JobStatusRunning,
		Payload:     payload,
		Metadata:    []byte(`{}`),
		ScheduledAt: now,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
