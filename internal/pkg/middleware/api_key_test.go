package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/database"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

func setupAuthApp(t *testing.T) (*fiber.App, repository.UserRepository) {
	t.Helper()
	repo := repository.NewUserRepository(database.NewTestDB(t))

	app := fiber.New()
	api := app.Group("/api", APIKeyAuthMiddleware(repo))
	api.Get("/me", RequireAuth, func(c *fiber.Ctx) error {
		return c.JSON(usercontext.GetUserContext(c))
	})
	api.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app, repo
}

func issueKey(t *testing.T, repo repository.UserRepository, name string, role entitlements.Level) (*models.User, string) {
	t.Helper()
	u, err := models.CreateUser(name, name+"@example.com", "secret123")
	require.NoError(t, err)
	u.Role = role
	require.NoError(t, repo.Create(u))

	settings, err := repo.GetSettings(u.ID)
	require.NoError(t, err)
	raw, err := settings.IssueAPIKey()
	require.NoError(t, err)
	require.NoError(t, repo.SaveSettings(settings))
	return u, raw
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	app, repo := setupAuthApp(t)
	user, key := issueKey(t, repo, "jane", entitlements.LevelPremium)

	t.Run("x-api-key header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/me", nil)
		req.Header.Set("X-API-Key", key)
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		var uc usercontext.UserContext
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&uc))
		assert.Equal(t, user.ID, uc.UserID)
		assert.Equal(t, "jane", uc.Username)
		assert.Equal(t, "premium", uc.Plan)
		assert.False(t, uc.IsAdmin)
	})

	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/me", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("usage is recorded", func(t *testing.T) {
		settings, err := repo.GetSettings(user.ID)
		require.NoError(t, err)
		assert.NotNil(t, settings.APIKeyLastUsedAt)
	})

	t.Run("missing or invalid key", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/me", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		req := httptest.NewRequest("GET", "/api/me", nil)
		req.Header.Set("X-API-Key", "sbl_nope")
		resp, err = app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		// well formed, never issued
		req = httptest.NewRequest("GET", "/api/me", nil)
		req.Header.Set("X-API-Key", "sbl_"+strings.Repeat("q", 52))
		resp, err = app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("non admin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin", nil)
		req.Header.Set("X-API-Key", key)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})
}

func TestAPIKeyAuthMiddleware_AdminAndInactive(t *testing.T) {
	app, repo := setupAuthApp(t)
	_, adminKey := issueKey(t, repo, "root", entitlements.LevelAdmin)

	req := httptest.NewRequest("GET", "/api/admin", nil)
	req.Header.Set("X-API-Key", adminKey)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	disabled, key := issueKey(t, repo, "gone", entitlements.LevelFree)
	disabled.Status = models.STATUS_DISABLED
	require.NoError(t, repo.Update(disabled))

	req = httptest.NewRequest("GET", "/api/me", nil)
	req.Header.Set("X-API-Key", key)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
