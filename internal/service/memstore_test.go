package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
)

// memStore is an in-memory queue and message store with the same link and
// optimistic-write rules as the Postgres repositories.
type memStore struct {
	mu       sync.Mutex
	clock    time.Time
	messages map[string]model.Message
	jobs     map[string]model.Job
	// links maps message id to the job currently carrying it.
	links map[string]string
	order map[string][]string
}

var (
	_ core.JobRepository     = (*memStore)(nil)
	_ core.MessageRepository = memMessages{}
)

func newMemStore(now time.Time) *memStore {
	return &memStore{
		clock:    now,
		messages: make(map[string]model.Message),
		jobs:     make(map[string]model.Job),
		links:    make(map[string]string),
		order:    make(map[string][]string),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Microsecond)
	return s.clock
}

func (s *memStore) addMessage(pathType model.PathType, state model.MessageState, dispatchAt time.Time) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := model.Message{
		ID:         uuid.NewString(),
		State:      state,
		PathType:   pathType,
		Recipient:  "ops@example.com",
		Body:       "hello",
		DispatchAt: dispatchAt,
		UpdatedAt:  s.tick(),
	}
	s.messages[msg.ID] = msg
	return msg
}

func (s *memStore) message(id string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *memStore) setState(id string, state model.MessageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	m.State = state
	m.UpdatedAt = s.tick()
	s.messages[id] = m
}

func (s *memStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// jobsFor returns the job currently linked to messageID, if any.
func (s *memStore) jobsFor(messageID string) []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.links[messageID]
	if !ok {
		return nil
	}
	return []model.Job{s.jobs[jobID]}
}

// Job queue.

func (s *memStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range req.MessageIDs {
		if _, ok := s.messages[id]; !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrMessageNotFound, id)
		}
		owner, linked := s.links[id]
		if req.ParentJobID != nil {
			if !linked || owner != *req.ParentJobID {
				return nil, core.ErrMessageNotHeld
			}
			continue
		}
		if linked {
			return nil, core.ErrMessageAlreadyQueued
		}
	}

	payload, err := model.EncodeDeliveryPayload(req.MessageIDs)
	if err != nil {
		return nil, err
	}
	now := s.tick()
	at := now
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	job := model.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Status:      model.JobStatusPending,
		Payload:     payload,
		ScheduledAt: at,
		MaxRetries:  req.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	s.order[job.ID] = append([]string(nil), req.MessageIDs...)
	for _, id := range req.MessageIDs {
		s.links[id] = job.ID
	}
	return &job, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return &j, nil
}

func (s *memStore) FindByMessageID(_ context.Context, messageID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.links[messageID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	j := s.jobs[jobID]
	return &j, nil
}

func (s *memStore) ReserveNext(_ context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Job
	for _, j := range s.jobs {
		if j.Type == jobType && j.Status == model.JobStatusPending && !j.ScheduledAt.After(s.clock) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	sort.Slice(due, func(a, b int) bool { return due[a].ScheduledAt.Before(due[b].ScheduledAt) })
	j := due[0]
	j.Status = model.JobStatusRunning
	lease := s.clock.Add(time.Duration(leaseSeconds) * time.Second)
	j.LeaseExpiresAt = &lease
	s.jobs[j.ID] = j
	return &j, nil
}

func (s *memStore) WaitForNotification(ctx context.Context, _ model.JobType) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *memStore) Heartbeat(_ context.Context, jobID string, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return ok && j.Status == model.JobStatusRunning, nil
}

func (s *memStore) Complete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != model.JobStatusRunning {
		return false, nil
	}
	s.dropJob(id)
	return true, nil
}

func (s *memStore) dropJob(id string) {
	for msgID, owner := range s.links {
		if owner == id {
			delete(s.links, msgID)
		}
	}
	delete(s.jobs, id)
	delete(s.order, id)
}

func (s *memStore) Reschedule(_ context.Context, req model.RescheduleRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[req.ID]
	if !ok || j.Status != model.JobStatusRunning {
		return false, nil
	}
	j.Status = model.JobStatusPending
	j.ScheduledAt = req.At
	j.LeaseExpiresAt = nil
	if req.CountAttempt {
		j.RetryCount++
	}
	s.jobs[j.ID] = j
	return true, nil
}

func (s *memStore) Fail(_ context.Context, id, errMsg string) (model.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != model.JobStatusRunning {
		return model.FailOutcome{}, nil
	}
	j.RetryCount++
	j.LastError = &errMsg
	j.LeaseExpiresAt = nil
	out := model.FailOutcome{Updated: true, Status: model.JobStatusPending}
	if j.RetryCount >= j.MaxRetries {
		j.Status = model.JobStatusFailed
		failedAt := s.tick()
		j.FailedAt = &failedAt
		out.Status = model.JobStatusFailed
		for _, msgID := range s.order[id] {
			if s.links[msgID] == id {
				out.MessageIDs = append(out.MessageIDs, msgID)
				delete(s.links, msgID)
			}
		}
	} else {
		j.Status = model.JobStatusPending
	}
	s.jobs[id] = j
	return out, nil
}

func (s *memStore) Stats(_ context.Context, jobType model.JobType) (*model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.JobStats
	for _, j := range s.jobs {
		if j.Type != jobType {
			continue
		}
		switch j.Status {
		case model.JobStatusPending:
			st.Pending++
		case model.JobStatusRunning:
			st.Running++
		case model.JobStatusFailed:
			st.Failed++
		}
	}
	return &st, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return core.ErrJobNotFound
	}
	s.dropJob(id)
	return nil
}

// Message store. The message methods share names with the job methods, so they
// are exposed through messagesRepo().

type memMessages struct{ *memStore }

func (s *memStore) messagesRepo() core.MessageRepository { return memMessages{s} }

func (m memMessages) Create(_ context.Context, req *model.CreateMessageRequest) (*model.Message, error) {
	at := m.clock
	if req.DispatchAt != nil {
		at = *req.DispatchAt
	}
	msg := m.addMessage(req.PathType, model.MessageStateStaged, at)
	return &msg, nil
}

func (m memMessages) GetByID(_ context.Context, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	return &msg, nil
}

func (m memMessages) GetByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := m.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, id)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m memMessages) List(_ context.Context, opts model.MessageListOptions) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, msg := range m.messages {
		if opts.State != nil && msg.State != *opts.State {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (m memMessages) Save(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.messages[msg.ID]
	if !ok || !cur.UpdatedAt.Equal(msg.UpdatedAt) {
		return core.ErrMessageConflict
	}
	saved := *msg
	saved.UpdatedAt = m.tick()
	m.messages[msg.ID] = saved
	msg.UpdatedAt = saved.UpdatedAt
	return nil
}

func (m memMessages) Cancel(_ context.Context, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	switch msg.State {
	case model.MessageStateSent:
		return nil, core.ErrMessageSent
	case model.MessageStateCancelled:
		return &msg, nil
	}
	msg.State = model.MessageStateCancelled
	msg.UpdatedAt = m.tick()
	m.messages[id] = msg
	if jobID, linked := m.links[id]; linked {
		delete(m.links, id)
		if j := m.jobs[jobID]; j.Status == model.JobStatusPending && len(m.order[jobID]) == 1 {
			m.dropJob(jobID)
		}
	}
	return &msg, nil
}

func (m memMessages) MarkErrored(_ context.Context, ids []string, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || !msg.State.Deliverable() {
			continue
		}
		msg.State = model.MessageStateErrored
		msg.LastError = &reason
		msg.UpdatedAt = m.tick()
		m.messages[id] = msg
		delete(m.links, id)
		n++
	}
	return n, nil
}

func (m memMessages) Retry(_ context.Context, id string, dispatchAt time.Time) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	if msg.State != model.MessageStateErrored {
		return nil, core.ErrMessageNotErrored
	}
	msg.State = model.MessageStateStaged
	msg.Attempts = 0
	msg.DispatchAt = dispatchAt
	msg.UpdatedAt = m.tick()
	m.messages[id] = msg
	return &msg, nil
}
