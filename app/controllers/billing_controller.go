package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

// Provider calls are bounded by the gateway timeout; this caps a whole action.
const billingActionTimeout = 60 * time.Second

type BillingController struct {
	svc *billing.Service
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc}
}

type cancelRequest struct {
	Immediately bool `json:"immediately"`
}

type paymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

type confirmPackageRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

func actionContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), billingActionTimeout)
}

func (h *BillingController) respond(c *fiber.Ctx, action string, res *billing.ActionResult, err error) error {
	if err != nil {
		return billingError(c, action, err)
	}
	return c.JSON(res)
}

// HandleOverview returns the plan, quota and subscription of the caller.
func (h *BillingController) HandleOverview(c *fiber.Ctx) error {
	ov, err := h.svc.Overview(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, "overview", err)
	}
	return c.JSON(ov)
}

func (h *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var req billing.CheckoutRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.Checkout(ctx, usercontext.GetUserID(c), req)
	return h.respond(c, "checkout", res, err)
}

func (h *BillingController) HandleChangePlan(c *fiber.Ctx) error {
	var req billing.PlanChangeRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.ChangePlan(ctx, usercontext.GetUserID(c), req)
	return h.respond(c, "change plan", res, err)
}

// HandleCancel cancels at period end, or right away with {"immediately": true}.
func (h *BillingController) HandleCancel(c *fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if ok, err := parseBody(c, &req); !ok {
			return err
		}
	}
	ctx, cancel := actionContext(c)
	defer cancel()

	userID := usercontext.GetUserID(c)
	if req.Immediately {
		res, err := h.svc.CancelImmediately(ctx, userID)
		return h.respond(c, "cancel immediately", res, err)
	}
	res, err := h.svc.Cancel(ctx, userID)
	return h.respond(c, "cancel", res, err)
}

func (h *BillingController) HandleResume(c *fiber.Ctx) error {
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.Resume(ctx, usercontext.GetUserID(c))
	return h.respond(c, "resume", res, err)
}

func (h *BillingController) HandleUpdatePaymentMethod(c *fiber.Ctx) error {
	var req paymentMethodRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.UpdatePaymentMethod(ctx, usercontext.GetUserID(c), req.PaymentMethodID)
	return h.respond(c, "update payment method", res, err)
}

// HandleSync pulls the subscription from the provider and reapplies it.
func (h *BillingController) HandleSync(c *fiber.Ctx) error {
	ctx, cancel := actionContext(c)
	defer cancel()
	outcome, err := h.svc.SyncFromProvider(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, "sync", err)
	}
	return c.JSON(fiber.Map{"status": billing.StatusSuccess, "result": outcome})
}

func (h *BillingController) HandlePayments(c *fiber.Ctx) error {
	_, limit := pagination(c)
	payments, err := h.svc.ListPayments(c.UserContext(), usercontext.GetUserID(c), limit)
	if err != nil {
		return billingError(c, "list payments", err)
	}
	return c.JSON(fiber.Map{"payments": payments})
}

func (h *BillingController) HandleBuyPackage(c *fiber.Ctx) error {
	var req billing.PackageRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.BuyLinkPackage(ctx, usercontext.GetUserID(c), req)
	return h.respond(c, "buy link package", res, err)
}

func (h *BillingController) HandleConfirmPackage(c *fiber.Ctx) error {
	var req confirmPackageRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	res, err := h.svc.ConfirmPackagePayment(ctx, usercontext.GetUserID(c), req.PaymentIntentID)
	return h.respond(c, "confirm link package", res, err)
}
