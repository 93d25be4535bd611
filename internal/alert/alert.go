// Package alert delivers trade and failure notifications by email.
package alert

import (
	"fmt"
	"log"
	"net/smtp"
)

// Alerter sends a notification. Delivery failures are reported but
// never block trading; callers log and continue.
type Alerter interface {
	Send(subject, message string) error
}

// DefaultSubject is used for routine trade notifications.
const DefaultSubject = "auto trader"

// SMTPAlerter sends mail over SMTP with STARTTLS and plain auth.
type SMTPAlerter struct {
	host     string
	port     int
	username string
	password string
	to       string
	logger   *log.Logger
}

var _ Alerter = (*SMTPAlerter)(nil)

// NewSMTPAlerter builds an alerter that authenticates as username and
// delivers to the single address to.
func NewSMTPAlerter(host string, port int, username, password, to string, logger *log.Logger) *SMTPAlerter {
	return &SMTPAlerter{
		host:     host,
		port:     port,
		username: username,
		password: password,
		to:       to,
		logger:   logger,
	}
}

func (a *SMTPAlerter) Send(subject, message string) error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	auth := smtp.PlainAuth("", a.username, a.password, a.host)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		a.username, a.to, subject, message)

	// smtp.SendMail negotiates STARTTLS when the server offers it.
	if err := smtp.SendMail(addr, auth, a.username, []string{a.to}, []byte(msg)); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	a.logger.Printf("alert sent: %s", subject)
	return nil
}

// Nop discards alerts. Used when no mail settings are configured.
type Nop struct{}

var _ Alerter = Nop{}

func (Nop) Send(string, string) error { return nil }
