// Package notify sends workflow email through SMTP.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"

	"helpdesk/api/internal/retry"
)

// Message is one email.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message. Implementations return retry.TransientError or
// retry.FatalError to steer retries.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// IsConfigured returns true if email is configured
func (c SMTPConfig) IsConfigured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// SMTPSender sends multipart text/HTML email.
type SMTPSender struct {
	config SMTPConfig
	server string
	auth   smtp.Auth
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPSender{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if !s.config.IsConfigured() {
		return retry.NewFatalError(errors.New("email not configured"))
	}
	if len(msg.To) == 0 {
		return retry.NewFatalError(errors.New("email has no recipients"))
	}

	raw := s.build(msg)
	rcpt := append(append([]string(nil), msg.To...), msg.Cc...)

	// net/smtp has no context support; abandon the call when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.server, s.auth, s.config.From, rcpt, raw)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classifySMTP(err)
	}
}

func (s *SMTPSender) build(msg Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-helpdesk"

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&buf, "\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	fmt.Fprintf(&buf, "%s\r\n", msg.Text)
	fmt.Fprintf(&buf, "\r\n")

	if msg.HTML != "" {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n")
		fmt.Fprintf(&buf, "\r\n")
		fmt.Fprintf(&buf, "%s\r\n", msg.HTML)
		fmt.Fprintf(&buf, "\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

// classifySMTP treats permanent (5xx) replies as fatal and everything else
// as transient.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return retry.NewFatalError(fmt.Errorf("smtp: %w", err))
	}
	return retry.NewTransientError(fmt.Errorf("smtp: %w", err))
}

// MemorySender records messages instead of sending them.
type MemorySender struct {
	mu   sync.Mutex
	sent []Message
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (m *MemorySender) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	log.Printf("notify: (not sent) to=%s subject=%q", strings.Join(msg.To, ","), msg.Subject)
	return nil
}

// Sent returns the recorded messages.
func (m *MemorySender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
