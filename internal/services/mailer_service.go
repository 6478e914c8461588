// Package services – MailerService
//
// Bot-scoped email behind the send_email script helper. SMTP relay
// settings live in the secret store as one JSON document per email action;
// messages go out multipart/alternative with opportunistic STARTTLS, which
// is gomail's default when the server advertises it.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// smtpConfig is the decrypted shape of the email-action secret.
type smtpConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SecretReader is the slice of SecretService the mailer needs.
type SecretReader interface {
	Get(ctx context.Context, bot, key string) (string, error)
}

// MailerService implements the sandbox Mailer contract.
type MailerService struct {
	// Secrets resolves per-bot SMTP credentials.
	Secrets SecretReader

	// dial is swapped in tests to avoid a live SMTP round-trip.
	dial func(cfg smtpConfig, m *gomail.Message) error
}

// NewMailerService constructs a MailerService backed by the secret store.
func NewMailerService(secrets SecretReader) *MailerService {
	return &MailerService{
		Secrets: secrets,
		dial: func(cfg smtpConfig, m *gomail.Message) error {
			d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
			return d.DialAndSend(m)
		},
	}
}

// SendEmail resolves the SMTP config for (bot, emailAction) and transmits
// a multipart/alternative message carrying the body as both plain text and
// HTML.
func (s *MailerService) SendEmail(ctx context.Context, bot, emailAction, fromEmail, toEmail, subject, body string) error {
	if bot == "" {
		return apperr.New(apperr.KindValidation, "bot is required")
	}
	if emailAction == "" || fromEmail == "" || toEmail == "" {
		return apperr.New(apperr.KindValidation, "email action, from and to addresses are required")
	}

	raw, err := s.Secrets.Get(ctx, bot, emailAction)
	if err != nil {
		return fmt.Errorf("resolve email config %q: %w", emailAction, err)
	}
	var cfg smtpConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return apperr.New(apperr.KindValidation, "email config %q is not valid JSON", emailAction)
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return apperr.New(apperr.KindValidation, "email config %q is missing host or port", emailAction)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	m.AddAlternative("text/html", body)

	if err := s.dial(cfg, m); err != nil {
		return apperr.Wrap(apperr.KindDispatch, fmt.Errorf("send email via %s: %w", cfg.Host, err))
	}
	return nil
}
