package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// ErrSMTPNotConfigured is returned when an Email channel is used without an
// smtp section in the app config.
var ErrSMTPNotConfigured = errors.New("smtp is not configured")

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
}

// NewEmailSender returns an EmailSender for cfg.
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send implements Notifier. smtp.SendMail has no context support; the call
// runs in a goroutine and Send returns when ctx is done.
func (s *EmailSender) Send(ctx context.Context, channel models.NotifyChannelType, msg Message) error {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return ErrSMTPNotConfigured
	}

	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	body := buildMail(s.cfg.From, channel.Email, msg)

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, []string{channel.Email}, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", channel.Email, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMail renders a plain-text message. The subject is an RFC 2047 encoded
// word whenever it carries non-ASCII or control characters.
func buildMail(from, to string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject()) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Text() + "\r\n")
	return []byte(b.String())
}
