package email

import (
	"fmt"
	"net/smtp"
	"os"

	"kejanet.app/hotspot/internal/logger"
)

func Send(to, subject, body string) error {
	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")

	if smtpHost == "" || smtpPort == "" || smtpUser == "" || smtpPass == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}

	auth := smtp.PlainAuth("", smtpUser, smtpPass, smtpHost)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", smtpUser, to, subject, body))

	addr := fmt.Sprintf("%s:%s", smtpHost, smtpPort)
	return smtp.SendMail(addr, auth, smtpUser, []string{to}, msg)
}

// AdminAlerter sends operator notifications (reconciliation
// inconsistencies) to a fixed address. Satisfies entitlement.Alerter.
type AdminAlerter struct {
	To string
}

func (a *AdminAlerter) Alert(subject, body string) error {
	if a.To == "" {
		return fmt.Errorf("no alert address configured")
	}
	return Send(a.To, subject, body)
}
