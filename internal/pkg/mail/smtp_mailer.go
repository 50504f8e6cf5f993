package mail

import (
	"context"
	"fmt"
	"net"
	netmail "net/mail"
	"net/smtp"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

// SMTPSender sends emails via SMTP
type SMTPSender struct {
	addr   string
	from   string
	auth   smtp.Auth
	sendFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("%w: MAIL_SMTP_HOST is required", ErrInvalidConfig)
	}

	var auth smtp.Auth
	if cfg.SMTPUsername != "" && cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}

	return &SMTPSender{
		addr:   net.JoinHostPort(cfg.SMTPHost, cfg.SMTPPort),
		from:   cfg.From,
		auth:   auth,
		sendFn: smtp.SendMail,
	}, nil
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrMissingAddress
	}

	body := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.from, msg.To, msg.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			msg.HTML,
	)

	if err := s.sendFn(s.addr, s.auth, envelopeAddress(s.from), []string{msg.To}, body); err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Infof("[Mail] Email sent to %s via %s", msg.To, s.addr)
	return nil
}

// envelopeAddress strips a display name from "Name <addr>".
func envelopeAddress(from string) string {
	if addr, err := netmail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return from
}
