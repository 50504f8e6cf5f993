package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
)

const webhookTimeout = 15 * time.Second

// JobEnqueuer is the part of the job queue the webhook endpoint needs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// StripeWebhookController verifies and stores Stripe events, then hands them
// to the process_billing_event job. When the queue is unavailable the event
// is reconciled inline.
type StripeWebhookController struct {
	svc        *billing.Service
	reconciler *billing.Reconciler
	queue      JobEnqueuer
	secret     string
}

func NewStripeWebhookController(svc *billing.Service, reconciler *billing.Reconciler, queue JobEnqueuer, secret string) *StripeWebhookController {
	return &StripeWebhookController{svc: svc, reconciler: reconciler, queue: queue, secret: secret}
}

func (h *StripeWebhookController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)

	ev, err := billing.VerifyStripeEvent(rawBody, c.Get("Stripe-Signature"), h.secret)
	if err != nil {
		log.Warnf("[Webhook] Rejected Stripe event: %v", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": billing.StatusError, "error": "invalid signature"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	created, stored, err := h.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        billing.ProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		ObjectID:        billing.ObjectID(ev.Data),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Errorf("[Webhook] Could not store event %s: %v", ev.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"status": billing.StatusError, "error": "webhook_persist_failed"})
	}
	if !created && stored.Succeeded() {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, billing.ResultDuplicate).Inc()
		return c.JSON(fiber.Map{"status": billing.ResultDuplicate, "event_type": ev.Type})
	}

	if h.queue != nil {
		_, err = h.queue.EnqueueJob(ctx, jobqueue.JobTypeProcessBillingEvent, jobqueue.BillingEventJobPayload{WebhookEventID: stored.ID}.ToMap())
		if err == nil {
			return c.JSON(fiber.Map{"status": billing.StatusSuccess, "event_type": ev.Type})
		}
		log.Warnf("[Webhook] Queue unavailable for event %s, processing inline: %v", ev.ID, err)
	}

	res, err := h.reconciler.ProcessStoredEvent(ctx, stored.ID)
	if err != nil {
		log.Errorf("[Webhook] Event %s (%s) failed: %v", ev.ID, ev.Type, err)
		status := fiber.StatusInternalServerError
		if errors.Is(err, billing.ErrInvalidEvent) {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{"status": billing.StatusError, "error": "processing_failed"})
	}
	return c.JSON(fiber.Map{"status": billing.StatusSuccess, "event_type": ev.Type, "result": res.Status})
}
