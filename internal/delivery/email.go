package delivery

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"github.com/formpilot/FormPilot/internal/util"
)

// SMTPOpts holds configuration options for the SMTP sender.
type SMTPOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPOption defines a functional option for configuring the SMTP sender.
type SMTPOption func(*SMTPOpts)

// WithSMTPHost sets the SMTP server host.
func WithSMTPHost(host string) SMTPOption {
	return func(o *SMTPOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port int) SMTPOption {
	return func(o *SMTPOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP username and password.
func WithSMTPCredentials(username, password string) SMTPOption {
	return func(o *SMTPOpts) { o.Username = username; o.Password = password }
}

// WithSMTPFrom sets the envelope sender address.
func WithSMTPFrom(from string) SMTPOption {
	return func(o *SMTPOpts) { o.From = from }
}

// SMTPSender delivers plain-text mail over SMTP with STARTTLS.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPSender creates an SMTP sender. Unset options fall back to the
// SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASS, and SMTP_FROM environment
// variables; the port defaults to 587 and the sender to the username.
func NewSMTPSender(opts ...SMTPOption) (*SMTPSender, error) {
	cfg := SMTPOpts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == 0 {
		cfg.Port = util.ParseIntEnv("SMTP_PORT", 587)
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USER")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASS")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
	}, nil
}

// SendEmail sends one plain-text message.
func (s *SMTPSender) SendEmail(_ context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("recipient address is required")
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	msg := buildMessage(s.from, to, subject, body)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	if err := smtp.SendMail(addr, auth, s.from, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", addr, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
