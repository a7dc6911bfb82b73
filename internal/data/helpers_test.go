package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/testutil"
)

type repos struct {
	jobs     *JobRepo
	messages *MessageRepo
	attempts *DeliveryAttemptRepo
	clock    *FixedTimeProvider
}

func newRepos(db *sql.DB) repos {
	clock := NewFixedTimeProvider(time.Now().UTC().Truncate(time.Microsecond))
	return repos{
		jobs:     NewJobRepo(db, RepoConfig{TimeProvider: clock, RetryDelaySeconds: 60}),
		messages: NewMessageRepo(db, MessageRepoOptions{TimeProvider: clock}),
		attempts: NewDeliveryAttemptRepo(db, clock),
		clock:    clock,
	}
}

func createMessage(t *testing.T, r repos, p model.PathType) *model.Message {
	t.Helper()
	msg, err := r.messages.Create(context.Background(), testutil.NewCreateMessageRequest(p))
	require.NoError(t, err)
	return msg
}

func createMessages(t *testing.T, r repos, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		ids = append(ids, createMessage(t, r, model.PathTypeEmail).ID)
	}
	return ids
}

func enqueue(t *testing.T, r repos, jobType model.JobType, ids ...string) *model.Job {
	t.Helper()
	job, err := r.jobs.Create(context.Background(), &model.CreateJobRequest{Type: jobType, MessageIDs: ids})
	require.NoError(t, err)
	return job
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
