package quota

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/mail"
)

// Notifier delivers user notifications. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, user *models.User, template string, data map[string]interface{})
}

// RunReset performs one sweep and notifies every active user whose counter
// was reset.
func (e *Enforcer) RunReset(ctx context.Context, notifier Notifier) (int, error) {
	users, err := e.ResetDue(ctx, e.now(), e.interval)
	for i := range users {
		u := &users[i]
		if !u.IsActive() {
			continue
		}
		notifier.Notify(ctx, u, mail.TemplateMonthlyLimitReset, map[string]interface{}{
			"Limit": u.MonthlyLinkLimit,
		})
	}
	return len(users), err
}

// RegisterJobs installs the quota sweep handler on the queue.
func RegisterJobs(q *jobqueue.Queue, enforcer *Enforcer, notifier Notifier) {
	q.Register(jobqueue.JobTypeResetMonthlyQuotas, func(ctx context.Context, job *jobqueue.Job) error {
		n, err := enforcer.RunReset(ctx, notifier)
		if err != nil {
			return err
		}
		log.Debugf("[Quota] Sweep job %s reset %d users", job.ID, n)
		return nil
	})
}
