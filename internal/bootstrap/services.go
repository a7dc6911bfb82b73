package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/target/dispatchd/config"
	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/data"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/observability/notify/slack"
	"github.com/target/dispatchd/internal/observability/statsd"
	"github.com/target/dispatchd/internal/service"
	"github.com/target/dispatchd/internal/service/failurenotifier"
	"github.com/target/dispatchd/internal/transport"
	"github.com/target/dispatchd/internal/transport/email"
	"github.com/target/dispatchd/internal/transport/telegram"
	"github.com/target/dispatchd/internal/transport/webhook"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Messages      *service.MessageService
	Dispatcher    *service.DispatcherService
	Transports    *transport.Registry
	JobRepo       *data.JobRepo
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	MetricsClient   *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Close releases the metrics socket.
func (o ObservabilityContainer) Close() error {
	if o.MetricsClient == nil {
		return nil
	}
	return o.MetricsClient.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo      *data.JobRepo
	MessageRepo  *data.MessageRepo
	AttemptsRepo *data.DeliveryAttemptRepo
	Lock         core.DeliveryLock
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{
		MetricsConfig:  cfg.Metrics,
		NotifierConfig: cfg.Notifications,
	}
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.MetricsClient = client
			out.MetricsSink = client
		}
	}

	out.FailureNotifier = buildFailureNotifier(obsLogger, cfg.Notifications)
	return out
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 1)
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:      baseLogger.With("component", "failure_notifier"),
		Sinks:       sinks,
		SendTimeout: cfg.Timeout,
	})
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps, logger *slog.Logger) *serviceRepositories {
	maxRetries := 0
	if deps.Config != nil {
		maxRetries = deps.Config.DispatchRunner.MaxRetries
	}
	repos := &serviceRepositories{
		JobRepo: data.NewJobRepo(deps.DB, data.RepoConfig{
			DefaultMaxRetries: maxRetries,
			Logger:            logger,
		}),
		MessageRepo:  data.NewMessageRepo(deps.DB, data.MessageRepoOptions{Logger: logger}),
		AttemptsRepo: data.NewDeliveryAttemptRepo(deps.DB, nil),
	}
	if deps.RedisClient != nil {
		repos.Lock = data.NewRedisDeliveryLock(deps.RedisClient, "")
	}
	return repos
}

// BuildTransports registers one transport per configured path type. Webhooks need no
// credentials and are always available; email and Telegram are skipped when unconfigured,
// so messages on those paths fail permanently as unroutable.
func BuildTransports(cfg config.TransportsConfig, logger *slog.Logger) (*transport.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := transport.NewRegistry()
	register := func(p model.PathType, t core.Transport) error {
		return reg.Register(p, transport.NewRateLimited(t, cfg.Rate.For(p), cfg.Rate.Burst))
	}

	hook, err := webhook.New(cfg.Webhook, webhook.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build webhook transport: %w", err)
	}
	if err = register(model.PathTypeWebhook, hook); err != nil {
		return nil, err
	}

	if cfg.SMTP.Enabled() {
		mailer, mailErr := email.New(cfg.SMTP, email.Options{Logger: logger})
		if mailErr != nil {
			return nil, fmt.Errorf("build email transport: %w", mailErr)
		}
		if err = register(model.PathTypeEmail, mailer); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("email transport disabled; SMTP host not configured")
	}

	if cfg.Telegram.Enabled() {
		bot, botErr := telegram.New(cfg.Telegram, logger)
		if botErr != nil {
			return nil, fmt.Errorf("build telegram transport: %w", botErr)
		}
		if err = register(model.PathTypeTelegram, bot); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("telegram transport disabled; bot token not configured")
	}

	return reg, nil
}

// NewServices wires repositories, transports and domain services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	observability := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps, logger)

	transports, err := BuildTransports(cfg.Transports, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	backoff, err := cfg.Backoff.Policy()
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("backoff policy: %w", err)
	}

	dispatcher, err := service.NewDispatcherService(service.DispatcherServiceOptions{
		Stores: service.DispatcherStores{
			Jobs:     repos.JobRepo,
			Messages: repos.MessageRepo,
			Attempts: repos.AttemptsRepo,
		},
		Transports: transports,
		Config: service.DispatcherConfig{
			Backoff:    backoff,
			Lock:       repos.Lock,
			LockTTL:    cfg.Delivery.LockTTL,
			Notifier:   observability.FailureNotifier,
			Metrics:    observability.MetricsSink,
			Logger:     logger,
			MaxRetries: cfg.DispatchRunner.MaxRetries,
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create dispatcher: %w", err)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            repos.JobRepo,
		DefaultLease:    cfg.DispatchRunner.JobLease,
		Logger:          logger,
		FailureNotifier: observability.FailureNotifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	messages, err := service.NewMessageService(service.MessageServiceOptions{
		Repo:     repos.MessageRepo,
		Attempts: repos.AttemptsRepo,
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create message service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Messages:      messages,
		Dispatcher:    dispatcher,
		Transports:    transports,
		JobRepo:       repos.JobRepo,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
	// Ready is called once every enabled service has been launched.
	Ready func()
	// Stopping is called when shutdown begins.
	Stopping func()
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	metrics := cfg.Services.Observability.MetricsSink
	notifier := cfg.Services.Observability.FailureNotifier
	return []backgroundService{
		{
			mode: config.ServiceModeDispatchRunner,
			name: "dispatch runner",
			start: func(ctx context.Context) error {
				return RunDispatchRunner(ctx, DeliveryRunnerConfig{
					DB:              cfg.DB,
					JobsRepo:        cfg.Services.JobRepo,
					Dispatcher:      cfg.Services.Dispatcher,
					Logger:          logger,
					Runner:          cfg.Config.DispatchRunner,
					Metrics:         metrics,
					FailureNotifier: notifier,
				})
			},
		},
		{
			mode: config.ServiceModeBatchRunner,
			name: "batch runner",
			start: func(ctx context.Context) error {
				return RunBatchRunner(ctx, DeliveryRunnerConfig{
					DB:              cfg.DB,
					JobsRepo:        cfg.Services.JobRepo,
					Dispatcher:      cfg.Services.Dispatcher,
					Logger:          logger,
					Runner:          cfg.Config.BatchRunner,
					Metrics:         metrics,
					FailureNotifier: notifier,
				})
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				return RunReaper(ctx, ReaperConfig{
					DB:      cfg.DB,
					Repo:    cfg.Services.JobRepo,
					Logger:  logger,
					Config:  cfg.Config.Reaper,
					Metrics: metrics,
				})
			},
		},
	}
}

// RunServicesWithShutdown starts all enabled services and blocks until ctx is cancelled or a
// service fails. The first failure cancels the rest.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	launched := 0
	for _, svc := range buildBackgroundServices(cfg, logger) {
		if !enabledServices[svc.mode] {
			continue
		}
		g.Go(func() error {
			if runErr := svc.start(gctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				return fmt.Errorf("%s failed: %w", svc.name, runErr)
			}
			logger.Info(svc.name + " stopped")
			return nil
		})
		launched++
		logger.InfoContext(ctx, "background service started", "service", svc.name, "mode", svc.mode)
	}
	if launched == 0 {
		return errors.New("no services enabled")
	}
	if cfg.Ready != nil {
		cfg.Ready()
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("shutting down services...")
	}
	if cfg.Stopping != nil {
		cfg.Stopping()
	}
	return waitForServices(g, logger)
}

// waitForServices waits for the group to drain, giving up after shutdownWaitTimeout.
func waitForServices(g *errgroup.Group, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("service error", "error", err)
		}
		return err
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for services to stop")
		return errors.New("timeout waiting for services to stop")
	}
}
