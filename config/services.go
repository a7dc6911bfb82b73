package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeDispatchRunner runs the single-message delivery job runner.
	ServiceModeDispatchRunner ServiceMode = "dispatch-runner"
	// ServiceModeBatchRunner runs the batch delivery job runner.
	ServiceModeBatchRunner ServiceMode = "batch-runner"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeDispatchRunner,
		ServiceModeBatchRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeDispatchRunner, ServiceModeBatchRunner, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: dispatch-runner, batch-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// RunnerConfig contains job runner configuration for one job type.
type RunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease a delivery job. Heartbeats renew it at a third of this.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"60s"`

	// PollInterval bounds how long idle workers wait before polling the queue again.
	// Rescheduled jobs become due without a NOTIFY, so this is also their pickup latency.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`

	// MaxRetries is stored on new jobs and caps permanent failures per job.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to runner configuration values.
func (r *RunnerConfig) Sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.JobLease < 5*time.Second {
		r.JobLease = 5 * time.Second
	}
	if r.PollInterval < time.Second {
		r.PollInterval = time.Second
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Schedule is an optional cron expression (robfig/cron, with descriptors such as @hourly).
	// When set it replaces Interval.
	Schedule string `env:"REAPER_SCHEDULE"`

	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// AttemptsMaxAge is the maximum age for delivery attempt history rows before deletion.
	AttemptsMaxAge time.Duration `env:"REAPER_ATTEMPTS_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
// An unparsable Schedule is dropped so the interval applies.
func (r *ReaperConfig) Sanitize() {
	r.Schedule = strings.TrimSpace(r.Schedule)
	if r.Schedule != "" {
		if _, err := r.ParseSchedule(); err != nil {
			r.Schedule = ""
		}
	}

	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.AttemptsMaxAge < 24*time.Hour {
		r.AttemptsMaxAge = 24 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// ParseSchedule parses Schedule with the standard five-field cron parser plus descriptors.
// It returns nil when no schedule is configured.
func (r *ReaperConfig) ParseSchedule() (cron.Schedule, error) {
	if r.Schedule == "" {
		return nil, nil //nolint:nilnil // no schedule configured
	}
	sched, err := cron.ParseStandard(r.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", r.Schedule, err)
	}
	return sched, nil
}
