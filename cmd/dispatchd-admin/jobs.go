package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/dispatchd/internal/bootstrap"
	"github.com/target/dispatchd/internal/data"
	"github.com/target/dispatchd/internal/domain/model"
)

type migrateOptions struct {
	Timeout time.Duration
}

type jobStatsRow struct {
	JobType model.JobType
	Stats   *model.JobStats
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runMigrationStatus(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	pending, err := data.PendingMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}
	if len(pending) == 0 {
		return writeln(cmdCtx.Out, "Schema is up to date")
	}
	if err = writef(cmdCtx.Out, "%d pending migration(s):\n", len(pending)); err != nil {
		return err
	}
	for _, version := range pending {
		if err = writef(cmdCtx.Out, "  %s\n", version); err != nil {
			return err
		}
	}
	return nil
}

func runJobStats(cmdCtx *commandContext, _ []string) error {
	return withSession(cmdCtx, func(s *adminSession) error {
		jobTypes := []model.JobType{model.JobTypeMessageDeliver, model.JobTypeMessageBatchDeliver}
		rows := make([]jobStatsRow, 0, len(jobTypes))
		for _, jt := range jobTypes {
			stats, err := s.services.Jobs.Stats(s.ctx, jt)
			if err != nil {
				return fmt.Errorf("stats for %s: %w", jt, err)
			}
			rows = append(rows, jobStatsRow{JobType: jt, Stats: stats})
		}
		return printJobStats(cmdCtx.Out, rows)
	})
}

func printJobStats(w io.Writer, rows []jobStatsRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "JOB TYPE\tPENDING\tRUNNING\tFAILED"); err != nil {
		return err
	}
	for _, row := range rows {
		stats := row.Stats
		if stats == nil {
			stats = &model.JobStats{}
		}
		if err := writef(tw, "%s\t%d\t%d\t%d\n", row.JobType, stats.Pending, stats.Running, stats.Failed); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}
