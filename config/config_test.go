package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/target/dispatchd/internal/domain/model"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - dispatch-runner",
			input:    "dispatch-runner",
			expected: map[ServiceMode]bool{ServiceModeDispatchRunner: true},
		},
		{
			name:  "all services with spaces",
			input: " dispatch-runner , batch-runner , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeDispatchRunner: true,
				ServiceModeBatchRunner:    true,
				ServiceModeReaper:         true,
			},
		},
		{
			name:     "duplicate services",
			input:    "reaper,reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "dispatch-runner,http",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	cfg := AppConfig{Services: "batch-runner,reaper"}
	if cfg.IsDispatchRunnerEnabled() {
		t.Error("IsDispatchRunnerEnabled(): expected false")
	}
	if !cfg.IsBatchRunnerEnabled() {
		t.Error("IsBatchRunnerEnabled(): expected true")
	}
	if !cfg.IsReaperEnabled() {
		t.Error("IsReaperEnabled(): expected true")
	}

	invalid := AppConfig{Services: "invalid-service"}
	if invalid.IsDispatchRunnerEnabled() || invalid.IsBatchRunnerEnabled() || invalid.IsReaperEnabled() {
		t.Error("expected every service to be disabled with an invalid configuration")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{ServiceModeDispatchRunner, ServiceModeBatchRunner, ServiceModeReaper}

	if len(modes) != len(expected) {
		t.Fatalf("expected %d service modes, got %d", len(expected), len(modes))
	}
	for i, mode := range modes {
		if mode != expected[i] {
			t.Errorf("expected service mode %s at index %d, got %s", expected[i], i, mode)
		}
	}
}

func TestAppConfig_ParseDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "dispatch-runner,batch-runner,reaper" {
		t.Errorf("unexpected default services %q", cfg.Services)
	}
	if cfg.Backoff.Base != 5*time.Minute || cfg.Backoff.Factor != 2 || cfg.Backoff.Max != 6*time.Hour {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Backoff)
	}
	if cfg.Transports.SMTP.Port != 587 || !cfg.Transports.SMTP.RequireTLS {
		t.Errorf("unexpected smtp defaults: %+v", cfg.Transports.SMTP)
	}
	if cfg.Transports.Webhook.Method != "POST" {
		t.Errorf("unexpected webhook method %q", cfg.Transports.Webhook.Method)
	}
	if cfg.DispatchRunner.JobLease != time.Minute || cfg.DispatchRunner.MaxRetries != 3 {
		t.Errorf("unexpected runner defaults: %+v", cfg.DispatchRunner)
	}
	if cfg.Delivery.LockTTL != 2*time.Minute {
		t.Errorf("unexpected lock ttl %v", cfg.Delivery.LockTTL)
	}
}

func TestAppConfig_ParseDeliveryEnv(t *testing.T) {
	t.Setenv("SERVICES", "dispatch-runner")
	t.Setenv("DISPATCH_RUNNER_CONCURRENCY", "8")
	t.Setenv("BATCH_RUNNER_JOB_LEASE", "2m")
	t.Setenv("BACKOFF_BASE", "10m")
	t.Setenv("BACKOFF_MAX_ATTEMPTS", "5")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_DKIM_SELECTOR", "mail")
	t.Setenv("WEBHOOK_HEADERS", "X-Env:prod,X-Team:notify")
	t.Setenv("WEBHOOK_OAUTH2_TOKEN_URL", "https://auth.example.com/token")
	t.Setenv("WEBHOOK_OAUTH2_SCOPES", "send,read")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TRANSPORT_RATE_EMAIL", "3.5")
	t.Setenv("REAPER_SCHEDULE", "@hourly")
	t.Setenv("OBSERVABILITY_NOTIFICATIONS_SLACK_CHANNEL", "#alerts")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.DispatchRunner.Concurrency != 8 {
		t.Errorf("expected dispatch concurrency 8, got %d", cfg.DispatchRunner.Concurrency)
	}
	if cfg.BatchRunner.JobLease != 2*time.Minute {
		t.Errorf("expected batch lease 2m, got %v", cfg.BatchRunner.JobLease)
	}
	if cfg.Backoff.Base != 10*time.Minute || cfg.Backoff.MaxAttempts != 5 {
		t.Errorf("unexpected backoff: %+v", cfg.Backoff)
	}
	if !cfg.Transports.SMTP.Enabled() || cfg.Transports.SMTP.DKIM.Selector != "mail" {
		t.Errorf("unexpected smtp config: %+v", cfg.Transports.SMTP)
	}
	if cfg.Transports.Webhook.Headers["X-Team"] != "notify" {
		t.Errorf("unexpected webhook headers: %v", cfg.Transports.Webhook.Headers)
	}
	if cfg.Transports.Webhook.OAuth2.TokenURL != "https://auth.example.com/token" ||
		len(cfg.Transports.Webhook.OAuth2.Scopes) != 2 {
		t.Errorf("unexpected oauth2 config: %+v", cfg.Transports.Webhook.OAuth2)
	}
	if !cfg.Transports.Telegram.Enabled() {
		t.Error("expected telegram to be enabled")
	}
	if cfg.Transports.Rate.For(model.PathTypeEmail) != 3.5 {
		t.Errorf("unexpected email rate %v", cfg.Transports.Rate.Email)
	}
	if cfg.Reaper.Schedule != "@hourly" {
		t.Errorf("expected schedule to survive sanitize, got %q", cfg.Reaper.Schedule)
	}
	if cfg.Observability.Notifications.Slack.Channel != "#alerts" {
		t.Errorf("unexpected slack channel %q", cfg.Observability.Notifications.Slack.Channel)
	}
}

func TestBackoffConfig_Sanitize(t *testing.T) {
	cfg := BackoffConfig{Base: time.Minute, Factor: 0.5, Max: time.Minute, MaxAttempts: -2}
	cfg.Sanitize()

	if cfg.Base != 5*time.Minute {
		t.Errorf("expected base raised to 5m, got %v", cfg.Base)
	}
	if cfg.Factor != 2 {
		t.Errorf("expected default factor, got %v", cfg.Factor)
	}
	if cfg.Max != cfg.Base {
		t.Errorf("expected max raised to base, got %v", cfg.Max)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("expected max attempts clamped to 0, got %d", cfg.MaxAttempts)
	}

	policy, err := cfg.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	now := time.Now()
	if !policy.Next(1, now).After(now.Add(4 * time.Minute)) {
		t.Error("expected first retry more than 4 minutes out")
	}
}

func TestRunnerConfig_Sanitize(t *testing.T) {
	cfg := RunnerConfig{Concurrency: 0, JobLease: time.Second, PollInterval: 0, MaxRetries: -1}
	cfg.Sanitize()

	if cfg.Concurrency != 1 || cfg.JobLease != 5*time.Second || cfg.PollInterval != time.Second || cfg.MaxRetries != 0 {
		t.Errorf("unexpected sanitized runner config: %+v", cfg)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Schedule:       "not a cron",
		Interval:       time.Second,
		FailedMaxAge:   time.Minute,
		AttemptsMaxAge: time.Hour,
		BatchSize:      20000,
	}
	cfg.Sanitize()

	if cfg.Schedule != "" {
		t.Errorf("expected invalid schedule to be dropped, got %q", cfg.Schedule)
	}
	if cfg.Interval != time.Minute || cfg.FailedMaxAge != time.Hour || cfg.AttemptsMaxAge != 24*time.Hour {
		t.Errorf("unexpected sanitized durations: %+v", cfg)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size capped at 10000, got %d", cfg.BatchSize)
	}

	sched, err := (&ReaperConfig{}).ParseSchedule()
	if err != nil || sched != nil {
		t.Errorf("expected no schedule, got %v, %v", sched, err)
	}

	cfg.Schedule = "*/15 * * * *"
	sched, err = cfg.ParseSchedule()
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	from := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	if next := sched.Next(from); !next.Equal(time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)) {
		t.Errorf("unexpected next run %v", next)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " "}
	cfg.Sanitize()
	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " statsd:1234 ", Prefix: ".dispatchd."}
	cfg.Sanitize()
	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
	if cfg.Prefix != "dispatchd" {
		t.Fatalf("expected prefix dots trimmed, got %q", cfg.Prefix)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		RetryLimit: -1,
		Slack:      SlackNotificationConfig{Enabled: true, WebhookURL: " "},
	}
	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit != 0 {
		t.Fatalf("expected retry limit to be clamped to 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.Slack.Username != "dispatchd" {
		t.Fatalf("expected default username, got %q", cfg.Slack.Username)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Slack: SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/services/test"},
	}
	cfg.Sanitize()
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
}
