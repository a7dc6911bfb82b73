// Package telegram delivers messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport"
)

// maxTextRunes is the Bot API limit for a single text message.
const maxTextRunes = 4096

// Config configures the bot used for delivery.
type Config struct {
	Token          string        `env:"TOKEN"`
	APIURL         string        `env:"API_URL"`
	Timeout        time.Duration `env:"TIMEOUT"          envDefault:"10s"`
	ParseMode      string        `env:"PARSE_MODE"`
	DisablePreview bool          `env:"DISABLE_PREVIEW"`
}

// Enabled reports whether a bot token is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Token) != "" }

// Sanitize applies defaults.
func (c *Config) Sanitize() {
	c.Token = strings.TrimSpace(c.Token)
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Transport sends text messages to chats. The recipient is a numeric chat id or an @channel name.
type Transport struct {
	bot    *tele.Bot
	opts   *tele.SendOptions
	logger *slog.Logger
}

// New builds an offline bot; no request is made until the first send.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.Sanitize()
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		bot: b,
		opts: &tele.SendOptions{
			ParseMode:             cfg.ParseMode,
			DisableWebPagePreview: cfg.DisablePreview,
		},
		logger: logger.With("component", "telegram_transport"),
	}, nil
}

// chat implements tele.Recipient for both numeric ids and channel usernames.
type chat string

func (c chat) Recipient() string { return string(c) }

// Send posts msg as a text message.
func (t *Transport) Send(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return errors.New("telegram: message is nil")
	}
	to, err := parseChat(msg.Recipient)
	if err != nil {
		return err
	}
	text := composeText(msg)
	if n := utf8.RuneCountInString(text); n > maxTextRunes {
		return fmt.Errorf("telegram: text has %d characters, limit is %d", n, maxTextRunes)
	}
	if err := ctx.Err(); err != nil {
		return transport.Transient(err)
	}

	if _, err := t.bot.Send(to, text, t.opts); err != nil {
		classified := classify(err)
		t.logger.DebugContext(ctx, "telegram send failed",
			"message_id", msg.ID,
			"transient", transport.IsTransient(classified),
			"error", err)
		return classified
	}
	return nil
}

func parseChat(recipient string) (chat, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", errors.New("telegram: recipient is empty")
	}
	if strings.HasPrefix(r, "@") {
		if len(r) < 2 || strings.ContainsAny(r, " \t") {
			return "", fmt.Errorf("telegram: invalid channel name %q", recipient)
		}
		return chat(r), nil
	}
	digits := strings.TrimPrefix(r, "-")
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return "", fmt.Errorf("telegram: recipient %q is not a chat id or @channel", recipient)
	}
	return chat(r), nil
}

func composeText(msg *model.Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return msg.Subject + "\n\n" + msg.Body
}

// classify splits Bot API failures: flood control and 5xx are transient, other API errors
// are permanent, and anything that never reached the API is transient.
func classify(err error) error {
	wrapped := fmt.Errorf("telegram: %w", err)

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.TransientAfter(wrapped, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return transport.TransientAfter(wrapped, time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return transport.Transient(wrapped)
		}
		return wrapped
	}
	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return wrapped
	}
	return transport.Transient(wrapped)
}
