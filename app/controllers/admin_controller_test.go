package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
)

func TestAdminController_ReplayEvent(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "jane", 10)

	_, stored, err := env.svc.RecordWebhookEvent(t.Context(), billing.WebhookEventInput{
		Provider:        billing.ProviderStripe,
		ProviderEventID: "evt_replay",
		EventType:       "customer.updated",
		PayloadJSON:     customerUpdatedEvent(t, "evt_replay", "cus_jane", 500),
		SignatureValid:  true,
	})
	require.NoError(t, err)

	path := "/api/admin/billing/events/" + strconv.FormatUint(uint64(stored.ID), 10) + "/replay"
	resp := env.do(t, http.MethodPost, path, 1, "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "processed", resp.Body["status"])

	resp = env.do(t, http.MethodPost, path, 1, "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "duplicate", resp.Body["status"])

	resp = env.do(t, http.MethodPost, "/api/admin/billing/events/9999/replay", 1, "")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	resp = env.do(t, http.MethodPost, "/api/admin/billing/events/abc/replay", 1, "")
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestAdminController_ResetQuotas(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/admin/quota/reset", 1, "")
	require.Equal(t, http.StatusAccepted, resp.Status)
	require.Len(t, env.queue.jobs, 1)
	assert.Equal(t, jobqueue.JobTypeResetMonthlyQuotas, env.queue.jobs[0].Type)

	env.queue.err = errors.New("redis down")
	resp = env.do(t, http.MethodPost, "/api/admin/quota/reset", 1, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}
