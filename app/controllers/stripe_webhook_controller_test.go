package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
)

func customerUpdatedEvent(t *testing.T, eventID, customerID string, balance int64) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        "customer.updated",
		"api_version": "2025-08-27.basil",
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": customerID, "object": "customer", "balance": balance},
		},
	})
	require.NoError(t, err)
	return string(b)
}

func signature(payload, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func (e *testEnv) postWebhook(t *testing.T, payload, sig string) response {
	t.Helper()
	return e.do(t, http.MethodPost, "/webhooks/stripe", 0, payload, "Stripe-Signature", sig)
}

func (e *testEnv) storedEvent(t *testing.T, eventID string) *models.BillingWebhookEvent {
	t.Helper()
	var ev models.BillingWebhookEvent
	require.NoError(t, e.db.Where("provider_event_id = ?", eventID).First(&ev).Error)
	return &ev
}

func TestStripeWebhook_RejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := customerUpdatedEvent(t, "evt_bad", "cus_jane", 0)

	resp := env.postWebhook(t, payload, signature(payload, "whsec_wrong"))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = env.postWebhook(t, payload, "")
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	var count int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, env.queue.jobs)
}

func TestStripeWebhook_EnqueuesThenDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "jane", 10)
	payload := customerUpdatedEvent(t, "evt_1", "cus_jane", 1000)

	resp := env.postWebhook(t, payload, signature(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "success", resp.Body["status"])
	assert.Equal(t, "customer.updated", resp.Body["event_type"])

	stored := env.storedEvent(t, "evt_1")
	assert.True(t, stored.SignatureValid)
	require.Len(t, env.queue.jobs, 1)
	job := env.queue.jobs[0]
	assert.Equal(t, jobqueue.JobTypeProcessBillingEvent, job.Type)
	p, err := jobqueue.BillingEventJobPayloadFromMap(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, p.WebhookEventID)

	// delivered again before the worker ran: dispatched again
	resp = env.postWebhook(t, payload, signature(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "success", resp.Body["status"])
	assert.Len(t, env.queue.jobs, 2)

	_, err = env.rec.ProcessStoredEvent(t.Context(), stored.ID)
	require.NoError(t, err)

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, u.ID).Error)
	assert.True(t, decimal.NewFromInt(10).Equal(reloaded.CustomerBalance))

	resp = env.postWebhook(t, payload, signature(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "duplicate", resp.Body["status"])
	assert.Len(t, env.queue.jobs, 2)
}

func TestStripeWebhook_InlineFallback(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = errors.New("redis: connection refused")
	u := env.createUser(t, "jane", 10)

	payload := customerUpdatedEvent(t, "evt_inline", "cus_jane", -250)
	resp := env.postWebhook(t, payload, signature(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "processed", resp.Body["result"])
	assert.True(t, env.storedEvent(t, "evt_inline").Succeeded())

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, u.ID).Error)
	assert.Equal(t, "-2.50", reloaded.CustomerBalance.StringFixed(2))

	unknown := customerUpdatedEvent(t, "evt_unknown", "cus_nobody", 0)
	resp = env.postWebhook(t, unknown, signature(unknown, testWebhookSecret))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "ignored", resp.Body["result"])
}
