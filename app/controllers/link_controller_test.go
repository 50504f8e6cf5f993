package controllers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkController_CreateUntilQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "jane", 2)

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/links", u.ID, `{"original_link":"https://example.com/page"}`)
		require.Equal(t, http.StatusCreated, resp.Status)
		short, _ := resp.Body["short_url"].(string)
		assert.True(t, strings.HasPrefix(short, "https://sbi.ly/"), short)
		assert.Equal(t, "https://example.com/page", resp.Body["original_link"])
	}

	resp := env.do(t, http.MethodPost, "/api/links", u.ID, `{"original_link":"https://example.com/more"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)

	resp = env.do(t, http.MethodGet, "/api/quota", u.ID, "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, float64(2), resp.Body["limit"])
	assert.Equal(t, float64(2), resp.Body["used"])
	assert.Equal(t, float64(0), resp.Body["remaining"])

	resp = env.do(t, http.MethodGet, "/api/links?limit=1", u.ID, "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, float64(2), resp.Body["total"])
	assert.Len(t, resp.Body["links"], 1)
}

func TestLinkController_Validation(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "jane", 5)

	resp := env.do(t, http.MethodPost, "/api/links", u.ID, `{"original_link":"not a url"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, map[string]interface{}{"original_link": "url"}, resp.Body["fields"])

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp = env.do(t, http.MethodPost, "/api/links", u.ID, `{"original_link":"https://example.com","remove_at":"`+past+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)

	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	resp = env.do(t, http.MethodPost, "/api/links", u.ID, `{"original_link":"https://example.com","remove_at":"`+future+`"}`)
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.NotEmpty(t, resp.Body["remove_at"])

	resp = env.do(t, http.MethodGet, "/api/quota", 999, "")
	assert.Equal(t, http.StatusNotFound, resp.Status)
}
