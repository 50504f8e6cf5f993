package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/mrz1836/postmark"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

var ErrPostmarkRejected = errors.New("postmark rejected the message")

// PostmarkSender delivers messages through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

func NewPostmarkSender(cfg config.MailConfig) (*PostmarkSender, error) {
	if cfg.PostmarkToken == "" {
		return nil, fmt.Errorf("%w: MAIL_POSTMARK_SERVER_TOKEN is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: MAIL_FROM is required", ErrInvalidConfig)
	}
	// Only the server token is needed for sending.
	return &PostmarkSender{
		client: postmark.NewClient(cfg.PostmarkToken, ""),
		from:   cfg.From,
	}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrMissingAddress
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.from,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return fmt.Errorf("postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%w: %d - %s", ErrPostmarkRejected, resp.ErrorCode, resp.Message)
	}
	log.Infof("[Mail] Email %s sent to %s via postmark", resp.MessageID, msg.To)
	return nil
}
