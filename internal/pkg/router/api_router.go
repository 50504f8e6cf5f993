package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/sbily/app/controllers"
	"github.com/ManuelReschke/sbily/internal/pkg/middleware"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	repos := h.deps.Repositories

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if key := c.Get("X-API-Key"); key != "" {
				return "key:" + key
			}
			return c.IP()
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(repos.User), middleware.RequireAuth)
	v1.Get("/me", func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		return c.JSON(fiber.Map{"user_id": uc.UserID, "username": uc.Username, "plan": uc.Plan})
	})

	billingController := controllers.NewBillingController(h.deps.Billing)
	b := v1.Group("/billing")
	b.Get("/subscription", billingController.HandleOverview)
	b.Post("/checkout", billingController.HandleCheckout)
	b.Post("/plan", billingController.HandleChangePlan)
	b.Post("/cancel", billingController.HandleCancel)
	b.Post("/resume", billingController.HandleResume)
	b.Post("/payment-method", billingController.HandleUpdatePaymentMethod)
	b.Post("/sync", billingController.HandleSync)
	b.Get("/payments", billingController.HandlePayments)
	b.Post("/packages", billingController.HandleBuyPackage)
	b.Post("/packages/confirm", billingController.HandleConfirmPackage)

	linkController := controllers.NewLinkController(h.deps.Enforcer, repos.Link, h.deps.Config.App.PublicDomain)
	v1.Get("/quota", linkController.HandleQuota)
	v1.Post("/links", linkController.HandleCreateLink)
	v1.Get("/links", linkController.HandleListLinks)

	adminController := controllers.NewAdminController(h.deps.Reconciler, h.deps.enqueuer())
	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Post("/billing/events/:id/replay", adminController.HandleReplayEvent)
	admin.Post("/quota/reset", adminController.HandleResetQuotas)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
