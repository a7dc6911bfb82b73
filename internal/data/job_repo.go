package data

import (
	"database/sql"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/target/dispatchd/internal/domain/model"
)

const (
	defaultRetryDelaySeconds = 30
	defaultMaxRetries        = 3
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// RetryDelaySeconds is the pause before a failed job is offered again.
	RetryDelaySeconds int
	// DefaultMaxRetries applies when a CreateJobRequest leaves MaxRetries at zero.
	DefaultMaxRetries int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo is the Postgres-backed delivery job queue.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = defaultRetryDelaySeconds
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaultMaxRetries
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  payload,
  metadata,
  scheduled_at,
  started_at,
  failed_at,
  retry_count,
  max_retries,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`

// notifyChannel is the LISTEN/NOTIFY channel that wakes runners of jobType.
func notifyChannel(jobType model.JobType) string {
	return "job_added_" + string(jobType)
}

// collectJob reads exactly one job from rows.
func collectJob(rows pgx.Rows) (*model.Job, error) {
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
}
