package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/dispatchd/config"
	"github.com/target/dispatchd/internal/adapters/jobrunner"
	"github.com/target/dispatchd/internal/adapters/reaper"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service/failurenotifier"
)

// DeliveryRunnerConfig contains configuration shared by the delivery job runners.
type DeliveryRunnerConfig struct {
	DB              *sql.DB
	JobsRepo        core.JobRepository
	Dispatcher      jobrunner.Deliverer
	Logger          *slog.Logger
	Runner          config.RunnerConfig
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunDispatchRunner processes single-message delivery jobs.
func RunDispatchRunner(ctx context.Context, cfg DeliveryRunnerConfig) error {
	return runJobRunner(ctx, cfg.options(model.JobTypeMessageDeliver))
}

// RunBatchRunner processes batch delivery jobs.
func RunBatchRunner(ctx context.Context, cfg DeliveryRunnerConfig) error {
	return runJobRunner(ctx, cfg.options(model.JobTypeMessageBatchDeliver))
}

func (cfg DeliveryRunnerConfig) options(jobType model.JobType) jobrunner.RunnerOptions {
	return jobrunner.RunnerOptions{
		DB:              cfg.DB,
		Logger:          cfg.Logger,
		Dispatcher:      cfg.Dispatcher,
		Lease:           cfg.Runner.JobLease,
		Concurrency:     cfg.Runner.Concurrency,
		JobType:         jobType,
		PollInterval:    cfg.Runner.PollInterval,
		JobsRepo:        cfg.JobsRepo,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	}
}

// runJobRunner centralizes job runner setup so individual runners only pass job-specific options.
func runJobRunner(ctx context.Context, opts jobrunner.RunnerOptions) error {
	label := jobRunnerLabel(opts.JobType)

	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s runner: %w", label, err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run %s runner: %w", label, runErr)
	}
	return nil
}

func jobRunnerLabel(jobType model.JobType) string {
	switch jobType {
	case model.JobTypeMessageDeliver:
		return "dispatch"
	case model.JobTypeMessageBatchDeliver:
		return "batch"
	}

	if jobType == "" {
		return "job"
	}
	return strings.ToLower(strings.ReplaceAll(string(jobType), "_", " "))
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Repo    core.ReaperRepository
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Repo:    cfg.Repo,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
