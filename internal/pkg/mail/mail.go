package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

const (
	TemplatePaymentFailed         = "payment-failed"
	TemplatePaymentActionRequired = "payment-action-required"
	TemplateSubscriptionCanceled  = "subscription-canceled"
	TemplateRenewalReminder       = "subscription-renewal-reminder"
	TemplateMonthlyLimitReset     = "monthly-link-limit-reset"
)

const (
	ProviderSMTP     = "smtp"
	ProviderPostmark = "postmark"
	ProviderLog      = "log"
)

var (
	ErrInvalidConfig  = errors.New("invalid mail configuration")
	ErrUnknownSender  = errors.New("unknown mail provider")
	ErrMissingAddress = errors.New("recipient address is empty")
)

// Message is a rendered email ready to be handed to a Sender.
type Message struct {
	To      string
	Subject string
	HTML    string
	Tag     string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NewSender picks the transport configured by MAIL_PROVIDER.
func NewSender(cfg config.MailConfig) (Sender, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderSMTP:
		return NewSMTPSender(cfg)
	case ProviderPostmark:
		return NewPostmarkSender(cfg)
	case ProviderLog, "":
		return LogSender{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSender, cfg.Provider)
}

// LogSender writes messages to the log instead of delivering them. Used in dev.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrMissingAddress
	}
	log.Infof("[Mail] %q to %s (%d bytes)", msg.Subject, msg.To, len(msg.HTML))
	return nil
}
