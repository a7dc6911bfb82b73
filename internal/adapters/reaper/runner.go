// Package reaper provides adapters for running the queue reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/dispatchd/config"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service"
)

// Runner drives the reaper service either on a cron schedule or on its own jittered interval.
type Runner struct {
	reaper   *service.ReaperService
	schedule cron.Schedule
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Repo    core.ReaperRepository
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	schedule, err := opts.Config.ParseSchedule()
	if err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:   reaper,
		schedule: schedule,
		logger:   opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Repo == nil {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}

	// Use NewReaperService instead of Must to allow error propagation
	return service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run starts the reaper and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.schedule == nil {
		r.logger.InfoContext(ctx, "starting reaper runner", "mode", "interval")
		return r.reaper.Run(ctx)
	}
	r.logger.InfoContext(ctx, "starting reaper runner", "mode", "cron")
	return r.runScheduled(ctx)
}

// runScheduled fires one cleanup pass per schedule tick. A pass that is still running when
// the next tick arrives causes that tick to be skipped.
func (r *Runner) runScheduled(ctx context.Context) error {
	cl := cronLogger{logger: r.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if err := r.reaper.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "scheduled cleanup failed", "error", err)
		}
	}))

	c.Start()
	r.logger.InfoContext(ctx, "reaper scheduled", "next", r.schedule.Next(time.Now().UTC()))
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.InfoContext(ctx, "reaper runner stopping", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
