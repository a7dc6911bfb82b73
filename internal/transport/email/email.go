// Package email delivers messages through an SMTP relay.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport"
	"github.com/target/dispatchd/internal/transport/email/dkim"
)

const (
	defaultPort     = 587
	defaultTimeout  = 30 * time.Second
	defaultHeloName = "localhost"
)

// Config configures the SMTP relay.
type Config struct {
	Host       string        `env:"HOST"`
	Port       int           `env:"PORT"         envDefault:"587"`
	Username   string        `env:"USERNAME"`
	Password   string        `env:"PASSWORD"`
	From       string        `env:"FROM"`
	HeloName   string        `env:"HELO_NAME"    envDefault:"localhost"`
	Timeout    time.Duration `env:"TIMEOUT"      envDefault:"30s"`
	RequireTLS bool          `env:"REQUIRE_TLS"  envDefault:"true"`
	// InsecureSkipVerify disables certificate checks; only for local relays.
	InsecureSkipVerify bool        `env:"INSECURE_SKIP_VERIFY"`
	DKIM               dkim.Config `envPrefix:"DKIM_"`
}

// Enabled reports whether a relay host is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Host) != "" }

// Sanitize applies defaults.
func (c *Config) Sanitize() {
	c.Host = strings.TrimSpace(c.Host)
	c.From = strings.TrimSpace(c.From)
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = defaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if strings.TrimSpace(c.HeloName) == "" {
		c.HeloName = defaultHeloName
	}
}

// Options carries optional collaborators.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Transport sends plain-text mail through one relay.
type Transport struct {
	cfg    Config
	from   *mail.Address
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and builds the transport.
func New(cfg Config, opts Options) (*Transport, error) {
	cfg.Sanitize()
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid from address %q: %w", cfg.From, err)
	}
	signer, err := dkim.New(cfg.DKIM)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{
		cfg:    cfg,
		from:   from,
		signer: signer,
		logger: logger.With("component", "email_transport"),
		now:    now,
	}, nil
}

// Send delivers msg to its recipient. SMTP 4xx replies and connection failures are transient;
// 5xx replies and malformed recipients are permanent.
func (t *Transport) Send(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return errors.New("smtp: message is nil")
	}
	to, err := normalizeAddress(msg.Recipient)
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}

	raw := t.compose(msg, to)
	signed, err := t.signer.Sign(raw, t.from.Address)
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}

	if err := t.deliver(ctx, to, signed); err != nil {
		t.logger.DebugContext(ctx, "smtp delivery failed",
			"message_id", msg.ID,
			"transient", transport.IsTransient(err),
			"error", err)
		return err
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, to string, data []byte) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return transport.Transient(fmt.Errorf("smtp dial: %w", err))
	}
	defer conn.Close()

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return transport.Transient(fmt.Errorf("smtp set deadline: %w", err))
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return classify("greeting", err)
	}
	defer client.Close()

	if err := client.Hello(t.cfg.HeloName); err != nil {
		return classify("helo", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf := &tls.Config{
			ServerName:         t.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: t.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local relays
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return classify("starttls", err)
		}
	} else if t.cfg.RequireTLS {
		return fmt.Errorf("smtp: relay %s does not offer STARTTLS", addr)
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return classify("auth", err)
		}
	}

	if err := client.Mail(t.from.Address); err != nil {
		return classify("mail from", err)
	}
	if err := client.Rcpt(to); err != nil {
		return classify("rcpt to", err)
	}
	w, err := client.Data()
	if err != nil {
		return classify("data start", err)
	}
	if _, err := w.Write(data); err != nil {
		return classify("data write", err)
	}
	if err := w.Close(); err != nil {
		return classify("data close", err)
	}

	// The relay has accepted the message; a failed QUIT must not trigger a resend.
	if err := client.Quit(); err != nil {
		t.logger.Debug("smtp quit failed after accepted data", "error", err)
	}
	return nil
}

// classify maps an SMTP failure onto the transient/permanent split.
func classify(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s: %w", stage, err)
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return transport.Transient(wrapped)
		}
		return wrapped
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return wrapped
	}
	// Anything else is a broken connection or protocol hiccup.
	return transport.Transient(wrapped)
}

// normalizeAddress validates a recipient and converts its domain to ASCII.
func normalizeAddress(recipient string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(recipient))
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", fmt.Errorf("invalid recipient %q: missing domain", recipient)
	}
	domain, err := idna.Lookup.ToASCII(strings.TrimSuffix(parsed.Address[at+1:], "."))
	if err != nil {
		return "", fmt.Errorf("invalid recipient domain %q: %w", parsed.Address[at+1:], err)
	}
	return parsed.Address[:at] + "@" + strings.ToLower(domain), nil
}

func (t *Transport) compose(msg *model.Message, to string) []byte {
	now := t.now().UTC()
	var buf bytes.Buffer
	writeHeader(&buf, "From", t.from.String())
	writeHeader(&buf, "To", to)
	if msg.Subject != "" {
		writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	}
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, fromDomain(t.from.Address)))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", `text/plain; charset="utf-8"`)
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n")
	_, _ = qp.Write([]byte(body))
	_ = qp.Close()
	if !bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func fromDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
