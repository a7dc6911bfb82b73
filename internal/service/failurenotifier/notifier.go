// Package failurenotifier fans failure notices out to every configured sink.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/dispatchd/internal/observability/notify"
)

// SinkRegistration pairs a sink with a name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SendTimeout bounds each sink call; zero means 10s.
	SendTimeout time.Duration
}

// Service dispatches failure notices to all registered sinks.
type Service struct {
	logger      *slog.Logger
	sinks       []SinkRegistration
	sendTimeout time.Duration
}

// NewService constructs a failure notifier. Nil sinks are skipped.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		logger:      logger.With("component", "failure_notifier"),
		sinks:       sinks,
		sendTimeout: timeout,
	}
}

// Notify sends payload to every sink concurrently and waits for all of them.
// Sink errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, payload notify.FailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}

	// Notices go out even when the triggering job's context is ending.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendFailure(sendCtx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"kind", payload.Kind,
					"job_id", payload.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
