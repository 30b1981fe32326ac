package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/config"
)

// Mailer delivers transactional emails over SMTP. Sends happen on the
// caller's goroutine; callers that must not block should run Send in a
// goroutine and drop the error.
type Mailer struct {
	cfg    config.SMTPConfig
	logger *zap.Logger

	// send is swapped in tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailer(cfg config.SMTPConfig, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Mailer{
		cfg:    cfg,
		logger: logger,
		send:   smtp.SendMail,
	}
}

func (m *Mailer) Send(to, subject, htmlBody string) error {
	if m.cfg.Host == "" {
		m.logger.Debug("smtp host not configured, dropping email", zap.String("to", to))
		return nil
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("recipient is required")
	}

	sender := m.cfg.Sender
	if sender == "" {
		sender = "no-reply@localhost"
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			htmlBody,
	)

	if err := m.send(addr, auth, sender, []string{to}, msg); err != nil {
		m.logger.Warn("smtp send failed", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("send mail: %w", err)
	}

	return nil
}

func (m *Mailer) SendCouponEmail(to, code string, percentOff, validDays int) error {
	subject := "Your discount code"
	body := fmt.Sprintf(
		"<p>Thanks for your purchase.</p>"+
			"<p>Your %d%% discount code is <b>%s</b>. It is valid for %d days.</p>",
		percentOff, code, validDays,
	)
	return m.Send(to, subject, body)
}

func (m *Mailer) SendCreditsEmail(to string, credits int) error {
	subject := "Image credits added"
	body := fmt.Sprintf("<p>%d image credits were added to your account.</p>", credits)
	return m.Send(to, subject, body)
}

func (m *Mailer) SendWithdrawalEmail(to, status, amount string) error {
	subject := "Withdrawal update"
	body := fmt.Sprintf("<p>Your withdrawal of %s is now <b>%s</b>.</p>", amount, status)
	return m.Send(to, subject, body)
}
