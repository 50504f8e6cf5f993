package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

type LinkController struct {
	enforcer     *quota.Enforcer
	links        repository.LinkRepository
	publicDomain string
}

func NewLinkController(enforcer *quota.Enforcer, links repository.LinkRepository, publicDomain string) *LinkController {
	return &LinkController{enforcer: enforcer, links: links, publicDomain: strings.TrimRight(publicDomain, "/")}
}

type linkResponse struct {
	*models.Link
	ShortURL string `json:"short_url"`
}

func (h *LinkController) present(l *models.Link) linkResponse {
	return linkResponse{Link: l, ShortURL: h.publicDomain + "/" + l.ShortenedLink}
}

// HandleQuota returns the caller's usage in the current window.
func (h *LinkController) HandleQuota(c *fiber.Ctx) error {
	st, err := h.enforcer.Status(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		if errors.Is(err, quota.ErrUserNotFound) {
			return errorResponse(c, fiber.StatusNotFound, "User not found")
		}
		log.Errorf("[Quota] Status for user %d failed: %v", usercontext.GetUserID(c), err)
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to load quota")
	}
	return c.JSON(st)
}

// HandleCreateLink creates a link if the caller has quota left.
func (h *LinkController) HandleCreateLink(c *fiber.Ctx) error {
	var req quota.LinkRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if req.RemoveAt != nil && !req.RemoveAt.After(time.Now()) {
		return errorResponse(c, fiber.StatusUnprocessableEntity, "remove_at must be in the future")
	}

	link, err := h.enforcer.CreateLink(c.UserContext(), usercontext.GetUserID(c), req)
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"status": "error",
			"error":  "You have reached your monthly link limit. Upgrade your plan or buy a link package.",
		})
	case errors.Is(err, quota.ErrUserInactive):
		return errorResponse(c, fiber.StatusForbidden, "User inactive")
	case errors.Is(err, quota.ErrUserNotFound):
		return errorResponse(c, fiber.StatusNotFound, "User not found")
	case err != nil:
		log.Errorf("[Quota] Link creation for user %d failed: %v", usercontext.GetUserID(c), err)
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to create link")
	}
	return c.Status(fiber.StatusCreated).JSON(h.present(link))
}

func (h *LinkController) HandleListLinks(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	offset, limit := pagination(c)

	links, err := h.links.ListByUserID(userID, offset, limit)
	if err != nil {
		log.Errorf("[Quota] Listing links for user %d failed: %v", userID, err)
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to load links")
	}
	total, err := h.links.CountByUserID(userID)
	if err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to load links")
	}

	out := make([]linkResponse, 0, len(links))
	for i := range links {
		out = append(out, h.present(&links[i]))
	}
	return c.JSON(fiber.Map{"links": out, "total": total, "offset": offset, "limit": limit})
}
