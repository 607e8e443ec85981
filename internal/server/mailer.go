package server

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"echo-backend/internal/config"
)

type Mailer interface {
	Send(to, subject, body string) error
}

// NewMailer returns an SMTP mailer when mail settings are present, otherwise
// a log-only mailer so local environments work without a mail server.
func NewMailer(cfg config.Config) Mailer {
	if strings.TrimSpace(cfg.MailServer) == "" {
		return logMailer{}
	}
	return &smtpMailer{cfg: cfg}
}

type logMailer struct{}

func (logMailer) Send(to, subject, body string) error {
	log.Printf("mail (log only) to=%s subject=%q body=%q", to, subject, body)
	return nil
}

type smtpMailer struct {
	cfg config.Config
}

func (m *smtpMailer) Send(to, subject, body string) error {
	from := m.cfg.MailFrom
	if from == "" {
		from = m.cfg.MailUsername
	}

	message := strings.Join([]string{
		fmt.Sprintf("From: %s <%s>", m.cfg.MailFromName, from),
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.MailServer, m.cfg.MailPort)
	var auth smtp.Auth
	if m.cfg.MailUsername != "" {
		auth = smtp.PlainAuth("", m.cfg.MailUsername, m.cfg.MailPassword, m.cfg.MailServer)
	}
	return smtp.SendMail(addr, auth, from, []string{to}, []byte(message))
}
