package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
)

// AdminController exposes operator actions on the billing pipeline.
type AdminController struct {
	reconciler *billing.Reconciler
	queue      JobEnqueuer
}

func NewAdminController(reconciler *billing.Reconciler, queue JobEnqueuer) *AdminController {
	return &AdminController{reconciler: reconciler, queue: queue}
}

// HandleReplayEvent reconciles a stored webhook event again.
func (h *AdminController) HandleReplayEvent(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid event id")
	}
	res, err := h.reconciler.ProcessStoredEvent(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return errorResponse(c, fiber.StatusNotFound, "Event not found")
		}
		log.Errorf("[Admin] Replay of webhook event %d failed: %v", id, err)
		return errorResponse(c, fiber.StatusInternalServerError, "Replay failed")
	}
	return c.JSON(res)
}

// HandleResetQuotas queues an immediate quota sweep.
func (h *AdminController) HandleResetQuotas(c *fiber.Ctx) error {
	if h.queue == nil {
		return errorResponse(c, fiber.StatusServiceUnavailable, "Job queue unavailable")
	}
	job, err := h.queue.EnqueueJob(c.UserContext(), jobqueue.JobTypeResetMonthlyQuotas, nil)
	if err != nil {
		log.Errorf("[Admin] Could not queue quota sweep: %v", err)
		return errorResponse(c, fiber.StatusServiceUnavailable, "Job queue unavailable")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "job_id": job.ID})
}
