package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
)

// Enqueuer is the part of the job queue the notifier needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
	EnqueueJobAt(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}, runAt time.Time) (*jobqueue.Job, error)
}

// QueueNotifier hands notifications to the send_notification job so callers
// never wait on the mail transport.
type QueueNotifier struct {
	queue Enqueuer
}

func NewQueueNotifier(queue Enqueuer) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

// Notify enqueues the notification now. Failures are logged, not returned.
func (n *QueueNotifier) Notify(ctx context.Context, user *models.User, template string, data map[string]interface{}) {
	if _, err := n.enqueue(ctx, user, template, data, time.Time{}); err != nil {
		log.Warnf("[Mail] Notification %s for user %d not queued: %v", template, user.ID, err)
	}
}

// NotifyAt enqueues the notification to be sent at runAt.
func (n *QueueNotifier) NotifyAt(ctx context.Context, user *models.User, template string, data map[string]interface{}, runAt time.Time) error {
	_, err := n.enqueue(ctx, user, template, data, runAt)
	return err
}

func (n *QueueNotifier) enqueue(ctx context.Context, user *models.User, template string, data map[string]interface{}, runAt time.Time) (*jobqueue.Job, error) {
	if user == nil {
		return nil, fmt.Errorf("notification %s without user", template)
	}

	payload := jobqueue.NotificationJobPayload{UserID: user.ID, Template: template}
	if len(data) > 0 {
		payload.Data = make(map[string]string, len(data))
		for k, v := range data {
			payload.Data[k] = fmt.Sprint(v)
		}
	}

	if runAt.IsZero() {
		return n.queue.EnqueueJob(ctx, jobqueue.JobTypeSendNotification, payload.ToMap())
	}
	return n.queue.EnqueueJobAt(ctx, jobqueue.JobTypeSendNotification, payload.ToMap(), runAt)
}
