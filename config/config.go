package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - services.go: Service mode, runner and reaper configuration
//   - delivery.go: Backoff, delivery lock and transport configuration
//   - observability.go: Metrics and failure notifications
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, debug level).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel overrides the default log level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"dispatch-runner,batch-runner,reaper"`

	// Job runner configuration, one per job type
	DispatchRunner RunnerConfig `envPrefix:"DISPATCH_RUNNER_"`
	BatchRunner    RunnerConfig `envPrefix:"BATCH_RUNNER_"`

	// Delivery policy and transports
	Backoff    BackoffConfig `envPrefix:"BACKOFF_"`
	Delivery   DeliveryConfig
	Transports TransportsConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.DispatchRunner.Sanitize()
	c.BatchRunner.Sanitize()
	c.Backoff.Sanitize()
	c.Delivery.Sanitize()
	c.Transports.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsDispatchRunnerEnabled returns true if the single-message delivery runner is enabled.
func (c *AppConfig) IsDispatchRunnerEnabled() bool { return c.serviceEnabled(ServiceModeDispatchRunner) }

// IsBatchRunnerEnabled returns true if the batch delivery runner is enabled.
func (c *AppConfig) IsBatchRunnerEnabled() bool { return c.serviceEnabled(ServiceModeBatchRunner) }

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.serviceEnabled(ServiceModeReaper) }
