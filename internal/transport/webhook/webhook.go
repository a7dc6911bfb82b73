// Package webhook delivers messages as JSON POSTs to the recipient URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport"
)

const (
	maxResponseBodyBytes = 4 * 1024
	defaultTimeout       = 10 * time.Second
)

// OAuth2Config enables the client-credentials grant when TokenURL is set.
type OAuth2Config struct {
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"`
}

// Enabled reports whether a token endpoint is configured.
func (c OAuth2Config) Enabled() bool { return strings.TrimSpace(c.TokenURL) != "" }

// Config configures the webhook transport.
type Config struct {
	Method  string            `env:"METHOD"  envDefault:"POST"`
	Timeout time.Duration     `env:"TIMEOUT" envDefault:"10s"`
	Headers map[string]string `env:"HEADERS" envKeyValSeparator:":"`
	// BodyExpression is a JMESPath expression evaluated against the message document.
	// When empty the document itself is sent.
	BodyExpression string       `env:"BODY_EXPRESSION"`
	OkStatus       int          `env:"OK_STATUS"`
	OAuth2         OAuth2Config `envPrefix:"OAUTH2_"`
}

// Sanitize applies defaults.
func (c *Config) Sanitize() {
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.BodyExpression = strings.TrimSpace(c.BodyExpression)
	if c.OkStatus != 0 && (c.OkStatus < 100 || c.OkStatus > 599) {
		c.OkStatus = 0
	}
}

// Options carries optional collaborators.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transport posts messages to webhook endpoints.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New validates cfg and builds the transport.
func New(cfg Config, opts Options) (*Transport, error) {
	cfg.Sanitize()

	if cfg.BodyExpression != "" {
		if _, err := jmespath.Compile(cfg.BodyExpression); err != nil {
			return nil, fmt.Errorf("webhook: invalid body expression: %w", err)
		}
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	client := base
	if cfg.OAuth2.Enabled() {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		// The token source keeps this context for refreshes; it only carries the base client.
		client = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
		client.Timeout = base.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "webhook_transport"),
	}, nil
}

// Send delivers msg to the URL in msg.Recipient.
func (t *Transport) Send(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return errors.New("webhook: message is nil")
	}
	target, err := parseTarget(msg.Recipient)
	if err != nil {
		return err
	}
	body, err := t.buildBody(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, t.cfg.Method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyDoError(err)
	}
	snippet, _, readErr := readResponseBody(resp.Body)
	closeErr := resp.Body.Close()

	if t.accepted(resp.StatusCode) {
		if readErr != nil || closeErr != nil {
			t.logger.DebugContext(ctx, "webhook response body not fully read",
				"message_id", msg.ID, "read_error", readErr, "close_error", closeErr)
		}
		return nil
	}

	statusErr := fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	if retryableStatus(resp.StatusCode) {
		return transport.TransientAfter(statusErr, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}
	return statusErr
}

func (t *Transport) accepted(code int) bool {
	if t.cfg.OkStatus != 0 {
		return code == t.cfg.OkStatus
	}
	return code >= 200 && code < 300
}

func (t *Transport) buildBody(msg *model.Message) ([]byte, error) {
	doc := messageDocument(msg)
	var out any = doc
	if t.cfg.BodyExpression != "" {
		res, err := jmespath.Search(t.cfg.BodyExpression, doc)
		if err != nil {
			return nil, fmt.Errorf("webhook: evaluate body expression: %w", err)
		}
		out = res
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal body: %w", err)
	}
	return body, nil
}

// messageDocument is the JSON shape exposed to body expressions.
func messageDocument(msg *model.Message) map[string]any {
	return map[string]any{
		"id":          msg.ID,
		"path_type":   string(msg.PathType),
		"recipient":   msg.Recipient,
		"subject":     msg.Subject,
		"body":        msg.Body,
		"dispatch_at": msg.DispatchAt.UTC().Format(time.RFC3339),
		"attempts":    float64(msg.Attempts),
	}
}

func parseTarget(recipient string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(recipient))
	if err != nil {
		return "", fmt.Errorf("webhook: invalid recipient url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("webhook: recipient url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("webhook: recipient url has no host")
	}
	return u.String(), nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classifyDoError treats transport failures as transient except rejected token requests.
func classifyDoError(err error) error {
	wrapped := fmt.Errorf("webhook: send request: %w", err)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 &&
		re.Response.StatusCode != http.StatusTooManyRequests {
		return wrapped
	}
	return transport.Transient(wrapped)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

func readResponseBody(body io.Reader) (string, bool, error) {
	if body == nil {
		return "", false, nil
	}
	limited := io.LimitReader(body, maxResponseBodyBytes+1)
	data, readErr := io.ReadAll(limited)
	truncated := len(data) > maxResponseBodyBytes
	if truncated {
		data = data[:maxResponseBodyBytes]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && readErr == nil {
			readErr = drainErr
		}
	}
	return string(data), truncated, readErr
}
