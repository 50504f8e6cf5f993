package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
)

// RegisterJobs installs the send_notification handler on the queue.
func RegisterJobs(q *jobqueue.Queue, db *gorm.DB, sender Sender, renderer *Renderer) {
	q.Register(jobqueue.JobTypeSendNotification, SendNotificationHandler(db, sender, renderer))
}

// SendNotificationHandler renders the job's template for its user and sends it.
// Missing users and unknown templates fail permanently.
func SendNotificationHandler(db *gorm.DB, sender Sender, renderer *Renderer) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.NotificationJobPayloadFromMap(job.Payload)
		if err != nil {
			return jobqueue.Permanent(fmt.Errorf("decode payload: %w", err))
		}
		if !renderer.Has(p.Template) {
			return jobqueue.Permanent(fmt.Errorf("%w: %s", ErrUnknownTemplate, p.Template))
		}

		var user models.User
		if err := db.WithContext(ctx).First(&user, p.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return jobqueue.Permanent(fmt.Errorf("user %d not found", p.UserID))
			}
			return err
		}
		if !user.IsActive() {
			log.Infof("[Mail] Skipping %s for inactive user %d", p.Template, user.ID)
			return nil
		}

		data := map[string]string{
			"Username": user.Username,
			"Plan":     user.Role.String(),
		}
		for k, v := range p.Data {
			data[k] = v
		}

		msg, err := renderer.Render(p.Template, user.Email, data)
		if err != nil {
			return jobqueue.Permanent(err)
		}
		if err := sender.Send(ctx, msg); err != nil {
			if errors.Is(err, ErrMissingAddress) {
				return jobqueue.Permanent(err)
			}
			return err
		}
		return nil
	}
}
