// Package notify delivers administrator notifications produced by the
// learning pipeline.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/learning"
)

// EmailConfig holds SMTP and optional IMAP archive settings.
type EmailConfig struct {
	Server      string        `yaml:"server"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DisplayName string        `yaml:"display_name"`
	Timeout     time.Duration `yaml:"timeout"`

	// IMAP folder receiving a copy of each sent notification; empty disables
	IMAPArchive string `yaml:"imap_archive"`
	IMAPServer  string `yaml:"imap_server"`
	IMAPPort    int    `yaml:"imap_port"`
}

// DefaultEmailConfig returns default configuration.
func DefaultEmailConfig() EmailConfig {
	return EmailConfig{
		Port:        465,
		DisplayName: "Deceptify",
		Timeout:     30 * time.Second,
		IMAPPort:    993,
	}
}

// Enabled reports whether enough settings exist to send mail.
func (c EmailConfig) Enabled() bool {
	return c.Server != "" && c.Username != "" && c.Password != ""
}

type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

type archiveFunc func(ctx context.Context, msg []byte) error

// EmailNotifier sends notifications over implicit TLS SMTP.
type EmailNotifier struct {
	config  EmailConfig
	logger  zerolog.Logger
	send    sendFunc
	archive archiveFunc
}

// NewEmailNotifier creates an email notifier.
func NewEmailNotifier(cfg EmailConfig, logger zerolog.Logger) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = DefaultEmailConfig().Port
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmailConfig().Timeout
	}
	n := &EmailNotifier{
		config: cfg,
		logger: logger.With().Str("component", "email_notifier").Logger(),
	}
	n.send = n.sendSMTP
	if cfg.IMAPArchive != "" {
		n.archive = n.appendIMAP
	}
	return n
}

// Notify composes and sends one notification.
func (n *EmailNotifier) Notify(ctx context.Context, note learning.Notification) error {
	msg, err := ComposeMessage(n.config.DisplayName, n.config.Username, note.Recipient, note.Subject, note.Body, time.Now())
	if err != nil {
		return err
	}

	if err := n.send(ctx, n.config.Username, []string{note.Recipient}, msg); err != nil {
		return err
	}

	n.logger.Info().
		Str("recipient", note.Recipient).
		Int("batch", note.Batch).
		Msg("Notification email sent")

	if n.archive != nil {
		if err := n.archive(ctx, msg); err != nil {
			n.logger.Warn().Err(err).Str("folder", n.config.IMAPArchive).Msg("Failed to archive notification")
		}
	}
	return nil
}

// ComposeMessage renders a plain text RFC 5322 message.
func ComposeMessage(displayName, from, to, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: displayName, Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func (n *EmailNotifier) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", n.config.Server, n.config.Port)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: n.config.Timeout},
		Config:    &tls.Config{ServerName: n.config.Server},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SMTP dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, n.config.Server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake failed: %w", err)
	}
	defer c.Close()

	if err := c.Auth(smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Server)); err != nil {
		return fmt.Errorf("SMTP auth failed: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s failed: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	return c.Quit()
}

func (n *EmailNotifier) appendIMAP(ctx context.Context, msg []byte) error {
	server := n.config.IMAPServer
	if server == "" {
		server = n.config.Server
	}
	port := n.config.IMAPPort
	if port == 0 {
		port = DefaultEmailConfig().IMAPPort
	}
	addr := fmt.Sprintf("%s:%d", server, port)

	c, err := client.DialTLS(addr, &tls.Config{ServerName: server})
	if err != nil {
		return fmt.Errorf("IMAP dial failed: %w", err)
	}
	defer c.Logout()
	c.Timeout = n.config.Timeout

	if err := c.Login(n.config.Username, n.config.Password); err != nil {
		return fmt.Errorf("IMAP login failed: %w", err)
	}
	if err := c.Append(n.config.IMAPArchive, nil, time.Now(), bytes.NewBuffer(msg)); err != nil {
		return fmt.Errorf("IMAP append failed: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the log. It is used when mail is not
// configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, note learning.Notification) error {
	n.logger.Info().
		Str("recipient", note.Recipient).
		Str("subject", note.Subject).
		Int("batch", note.Batch).
		Int("processed", note.Processed).
		Str("body", note.Body).
		Msg("Active learning notification")
	return nil
}
