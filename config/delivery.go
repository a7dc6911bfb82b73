package config

import (
	"time"

	domainjob "github.com/target/dispatchd/internal/domain/job"
	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport/email"
	"github.com/target/dispatchd/internal/transport/telegram"
	"github.com/target/dispatchd/internal/transport/webhook"
)

// BackoffConfig controls message-level retry timing after transient failures.
type BackoffConfig struct {
	Base   time.Duration `env:"BASE"   envDefault:"5m"`
	Factor float64       `env:"FACTOR" envDefault:"2"`
	Max    time.Duration `env:"MAX"    envDefault:"6h"`
	// MaxAttempts marks a message errored after that many transient failures; 0 means unlimited.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"0"`
}

// Sanitize applies guardrails to backoff configuration values.
func (b *BackoffConfig) Sanitize() {
	if b.Base < domainjob.MinBackoffBase {
		b.Base = domainjob.MinBackoffBase
	}
	if b.Factor < 1 {
		b.Factor = domainjob.DefaultBackoffFactor
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
}

// Policy builds the backoff policy from the sanitized configuration.
func (b BackoffConfig) Policy() (*domainjob.Backoff, error) {
	return domainjob.NewBackoff(domainjob.BackoffOptions{
		Base:        b.Base,
		Factor:      b.Factor,
		Max:         b.Max,
		MaxAttempts: b.MaxAttempts,
	})
}

// DeliveryConfig contains dispatcher settings.
type DeliveryConfig struct {
	// LockTTL bounds how long a per-message delivery lock is held; it must outlive the slowest transport call.
	LockTTL time.Duration `env:"DELIVERY_LOCK_TTL" envDefault:"2m"`
}

// Sanitize applies guardrails to delivery configuration values.
func (d *DeliveryConfig) Sanitize() {
	if d.LockTTL < 10*time.Second {
		d.LockTTL = 10 * time.Second
	}
}

// RateConfig sets a token bucket per path type; zero rate disables limiting.
type RateConfig struct {
	Email    float64 `env:"EMAIL"    envDefault:"0"`
	Webhook  float64 `env:"WEBHOOK"  envDefault:"0"`
	Telegram float64 `env:"TELEGRAM" envDefault:"25"`
	Burst    int     `env:"BURST"    envDefault:"0"`
}

// For returns the configured rate for a path type.
func (r RateConfig) For(pathType model.PathType) float64 {
	switch pathType {
	case model.PathTypeEmail:
		return r.Email
	case model.PathTypeWebhook:
		return r.Webhook
	case model.PathTypeTelegram:
		return r.Telegram
	default:
		return 0
	}
}

// Sanitize applies guardrails to rate configuration values.
func (r *RateConfig) Sanitize() {
	r.Email = max(r.Email, 0)
	r.Webhook = max(r.Webhook, 0)
	r.Telegram = max(r.Telegram, 0)
	r.Burst = max(r.Burst, 0)
}

// TransportsConfig groups the per-path transport settings.
type TransportsConfig struct {
	SMTP     email.Config    `envPrefix:"SMTP_"`
	Webhook  webhook.Config  `envPrefix:"WEBHOOK_"`
	Telegram telegram.Config `envPrefix:"TELEGRAM_"`
	Rate     RateConfig      `envPrefix:"TRANSPORT_RATE_"`
}

// Sanitize applies guardrails to every transport section.
func (t *TransportsConfig) Sanitize() {
	t.SMTP.Sanitize()
	t.Webhook.Sanitize()
	t.Telegram.Sanitize()
	t.Rate.Sanitize()
}
