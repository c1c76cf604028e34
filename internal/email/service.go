package email

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/consent-api/internal/config"
)

type Service interface {
	SendConsentRequest(ctx context.Context, to, patientName, providerName, organization string) error
	SendEmergencyAccess(ctx context.Context, to, patientName string, at time.Time) error
	SendCustom(ctx context.Context, to string, subject string, content string) error
}

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type smtpService struct {
	sender Sender
	from   string
}

func NewService(sender Sender, from string) Service {
	return &smtpService{sender: sender, from: from}
}

// NewSMTPService dials the configured SMTP relay for every message.
func NewSMTPService(cfg config.SMTPConfig) Service {
	return NewService(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From)
}

func (s *smtpService) SendConsentRequest(ctx context.Context, to, patientName, providerName, organization string) error {
	requester := providerName
	if organization != "" {
		requester = fmt.Sprintf("%s (%s)", providerName, organization)
	}
	body := fmt.Sprintf(
		"Hello %s,\n\n%s has requested access to your health record.\n"+
			"Sign in to review the request and choose what to share.\n",
		patientName, requester)
	return s.SendCustom(ctx, to, "New access request for your health record", body)
}

func (s *smtpService) SendEmergencyAccess(ctx context.Context, to, patientName string, at time.Time) error {
	body := fmt.Sprintf(
		"Hello %s,\n\nYour emergency information was accessed on %s under emergency override.\n"+
			"The access is recorded in your audit log.\n",
		patientName, at.UTC().Format(time.RFC1123))
	return s.SendCustom(ctx, to, "Emergency access to your health record", body)
}

func (s *smtpService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", content)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	return nil
}
