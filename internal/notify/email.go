package notify

import (
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// EmailSender delivers over plain SMTP with PLAIN auth.
type EmailSender struct {
	Host     string
	Port     string
	From     string
	Password string
}

func (s *EmailSender) Send(to, subject, body string) error {
	port := s.Port
	if port == "" {
		port = "587"
	}
	addr := net.JoinHostPort(s.Host, port)
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}, "\r\n")
	auth := smtp.PlainAuth("", s.From, s.Password, s.Host)
	if err := smtp.SendMail(addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
