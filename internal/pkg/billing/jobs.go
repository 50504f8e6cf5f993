package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/mail"
)

// ScheduledNotifier sends a notification at a later time.
type ScheduledNotifier interface {
	NotifyAt(ctx context.Context, user *models.User, template string, data map[string]interface{}, runAt time.Time) error
}

// RenewalReminders finds auto-renewing subscriptions that end soon and schedules
// a reminder Lead before each period end.
type RenewalReminders struct {
	svc      *Service
	notifier ScheduledNotifier
	// Lead is how long before the period end the reminder goes out.
	Lead time.Duration
	// Window is the scan period. Each run covers ends in [now+Lead, now+Lead+Window)
	// so consecutive runs never pick the same subscription twice.
	Window time.Duration
}

func NewRenewalReminders(svc *Service, notifier ScheduledNotifier, lead time.Duration) *RenewalReminders {
	return &RenewalReminders{svc: svc, notifier: notifier, Lead: lead, Window: 24 * time.Hour}
}

// Scan schedules reminders and returns how many were queued.
func (r *RenewalReminders) Scan(ctx context.Context) (int, error) {
	now := r.svc.now()
	from := now.Add(r.Lead)
	subs, err := r.svc.repo.ListRenewingSubscriptions(ctx, from, from.Add(r.Window))
	if err != nil {
		return 0, fmt.Errorf("list renewing subscriptions: %w", err)
	}

	queued := 0
	for i := range subs {
		sub := &subs[i]
		if sub.EndDate == nil {
			continue
		}
		user, err := r.svc.repo.GetUser(ctx, sub.UserID)
		if err != nil {
			log.Warnf("[Billing] Renewal reminder skipped for subscription %d: %v", sub.ID, err)
			continue
		}

		runAt := sub.EndDate.Add(-r.Lead)
		if runAt.Before(now) {
			runAt = now
		}
		err = r.notifier.NotifyAt(ctx, user, mail.TemplateRenewalReminder, map[string]interface{}{
			"Plan":    sub.Level.String(),
			"EndDate": sub.EndDate.UTC().Format("January 2, 2006"),
			"Price":   sub.Price.StringFixed(2),
		}, runAt)
		if err != nil {
			return queued, fmt.Errorf("queue renewal reminder for user %d: %w", user.ID, err)
		}
		queued++
	}
	if queued > 0 {
		log.Infof("[Billing] Scheduled %d renewal reminders", queued)
	}
	return queued, nil
}

// RegisterJobs installs the billing job handlers on the queue.
func RegisterJobs(q *jobqueue.Queue, reconciler *Reconciler, reminders *RenewalReminders) {
	q.Register(jobqueue.JobTypeProcessBillingEvent, ProcessBillingEventHandler(reconciler))
	q.Register(jobqueue.JobTypeRenewalReminderScan, func(ctx context.Context, job *jobqueue.Job) error {
		_, err := reminders.Scan(ctx)
		return err
	})
}

// ProcessBillingEventHandler reconciles a stored webhook event. Infrastructure
// errors are returned so the queue retries. A missing event row or a payload
// that does not parse is permanent.
func ProcessBillingEventHandler(reconciler *Reconciler) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.BillingEventJobPayloadFromMap(job.Payload)
		if err != nil || p.WebhookEventID == 0 {
			return jobqueue.Permanent(fmt.Errorf("invalid billing event payload: %v", job.Payload))
		}
		res, err := reconciler.ProcessStoredEvent(ctx, p.WebhookEventID)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidEvent) {
				return jobqueue.Permanent(err)
			}
			return err
		}
		log.Debugf("[Webhook] Event %d (%s) %s", p.WebhookEventID, res.EventType, res.Status)
		return nil
	}
}
