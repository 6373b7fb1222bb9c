package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/huangang/taskboard/pkg/logger"
)

const ReasonMailFailed apperr.Reason = "mail_failed"

type Mail struct {
	To       string
	Subject  string
	HTMLBody string
}

// MailSender delivers one message. Implementations report delivery
// problems as apperr Dependency errors.
type MailSender interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPMailer sends mail through the configured SMTP relay, with implicit
// TLS when UseTLS is set.
type SMTPMailer struct {
	cfg config.MailConfig
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

// Enabled reports whether the relay is configured at all.
func (m *SMTPMailer) Enabled() bool {
	return m.cfg.Enabled && m.cfg.Host != ""
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if !m.Enabled() {
		return apperr.Dependency(ReasonMailFailed, "mail is not configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	msg := buildMessage(from, mail)
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	var err error
	if m.cfg.UseTLS {
		err = m.sendTLS(addr, auth, from, mail.To, msg)
	} else {
		err = smtp.SendMail(addr, auth, from, []string{mail.To}, []byte(msg))
	}
	if err != nil {
		logger.Warnf("[Email] Failed to send to %s: %v", mail.To, err)
		return apperr.Dependency(ReasonMailFailed, "failed to send email", err)
	}

	logger.Debug().Str("to", mail.To).Str("subject", mail.Subject).Msg("[Email] sent")
	return nil
}

func buildMessage(from string, mail Mail) string {
	headers := [][2]string{
		{"From", from},
		{"To", mail.To},
		{"Subject", mail.Subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	}

	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h[0])
		sb.WriteString(": ")
		sb.WriteString(stripCRLF(h[1]))
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	sb.WriteString(mail.HTMLBody)
	return sb.String()
}

// stripCRLF keeps user-controlled values from injecting extra headers.
func stripCRLF(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, from, to, message string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(message)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
