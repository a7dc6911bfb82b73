package bootstrap

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dispatchd/config"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport/email"
	"github.com/target/dispatchd/internal/transport/telegram"
)

func TestGetEnabledServices(t *testing.T) {
	tests := []struct {
		name     string
		services string
		want     []string
	}{
		{name: "all in startup order", services: "reaper, batch-runner,dispatch-runner", want: []string{"dispatch-runner", "batch-runner", "reaper"}},
		{name: "single", services: "reaper", want: []string{"reaper"}},
		{name: "invalid", services: "scheduler", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.AppConfig{Services: tt.services}
			assert.Equal(t, tt.want, GetEnabledServices(cfg))
		})
	}
	assert.Empty(t, GetEnabledServices(nil))
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: ""}))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "http"}))
	require.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "dispatch-runner"}))
}

func TestConfigureLogger(t *testing.T) {
	ctx := context.Background()

	logger := ConfigureLogger(&config.AppConfig{LogLevel: "warn"})
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	logger = ConfigureLogger(&config.AppConfig{IsDev: true})
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	logger = ConfigureLogger(&config.AppConfig{LogLevel: "chatty"})
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestJobRunnerLabel(t *testing.T) {
	assert.Equal(t, "dispatch", jobRunnerLabel(model.JobTypeMessageDeliver))
	assert.Equal(t, "batch", jobRunnerLabel(model.JobTypeMessageBatchDeliver))
	assert.Equal(t, "job", jobRunnerLabel(""))
	assert.Equal(t, "digest deliver", jobRunnerLabel("digest_deliver"))
}

func TestBuildTransports(t *testing.T) {
	t.Run("webhook only by default", func(t *testing.T) {
		reg, err := BuildTransports(config.TransportsConfig{}, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []model.PathType{model.PathTypeWebhook}, reg.PathTypes())

		_, err = reg.Resolve(model.PathTypeEmail)
		require.Error(t, err)
	})

	t.Run("all configured", func(t *testing.T) {
		cfg := config.TransportsConfig{
			SMTP:     email.Config{Host: "smtp.example.com", From: "dispatchd@example.com"},
			Telegram: telegram.Config{Token: "123456:ABC-DEF"},
			Rate:     config.RateConfig{Telegram: 25},
		}
		reg, err := BuildTransports(cfg, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]model.PathType{model.PathTypeWebhook, model.PathTypeEmail, model.PathTypeTelegram},
			reg.PathTypes(),
		)
	})

	t.Run("invalid sender address", func(t *testing.T) {
		cfg := config.TransportsConfig{SMTP: email.Config{Host: "smtp.example.com", From: "not an address"}}
		_, err := BuildTransports(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "build email transport")
	})
}

func TestBuildFailureNotifier(t *testing.T) {
	disabled := buildFailureNotifier(nil, config.ObservabilityNotificationsConfig{})
	assert.False(t, disabled.Enabled())

	cfg := config.ObservabilityNotificationsConfig{
		Enabled: true,
		Timeout: time.Second,
		Slack: config.SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.example/services/T0/B0/X",
			Username:   "dispatchd",
		},
	}
	assert.True(t, buildFailureNotifier(nil, cfg).Enabled())
}

func TestNewServices_RequiresConfig(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)
	_, err = NewServices(&ServiceDeps{})
	require.Error(t, err)
}

func TestRunServicesWithShutdown_Validation(t *testing.T) {
	ctx := context.Background()
	require.Error(t, RunServicesWithShutdown(ctx, nil))
	require.Error(t, RunServicesWithShutdown(ctx, &ServiceOrchestrationConfig{}))

	err := RunServicesWithShutdown(ctx, &ServiceOrchestrationConfig{
		Config: &config.AppConfig{Services: "bogus"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "determine enabled services")
}
