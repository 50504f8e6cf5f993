package router

import (
	"os"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/sbily/app/controllers"
)

// HttpRouter installs the routes that live outside the API key protected
// group: health, metrics, docs and the provider webhook.
type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", controllers.HandleHealth(h.deps.HealthChecks))

	h.registerOperatorRoutes(app)
	h.registerWebhookRoutes(app)
	h.registerDocs(app)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

func (h HttpRouter) registerOperatorRoutes(app *fiber.App) {
	cfg := h.deps.Config.Metrics
	if cfg.Password == "" {
		log.Warn("[Router] METRICS_PASSWORD not set, /metrics and /monitor are disabled")
		return
	}
	auth := basicauth.New(basicauth.Config{
		Users: map[string]string{cfg.User: cfg.Password},
	})
	app.Get("/metrics", auth, adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitor", auth, monitor.New(monitor.Config{Title: h.deps.Config.App.Name + " monitor"}))
}

func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	webhooks := app.Group("/webhooks", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
	}))

	stripe := controllers.NewStripeWebhookController(
		h.deps.Billing,
		h.deps.Reconciler,
		h.deps.enqueuer(),
		h.deps.Config.Stripe.WebhookSecret,
	)
	webhooks.Post("/stripe", stripe.HandleWebhook)
}

func (h HttpRouter) registerDocs(app *fiber.App) {
	if h.deps.DocsFile == "" {
		return
	}
	if _, err := os.Stat(h.deps.DocsFile); err != nil {
		log.Warnf("[Router] API docs not served: %v", err)
		return
	}
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: h.deps.DocsFile,
		Path:     "docs",
		Title:    h.deps.Config.App.Name + " API",
	}))
}
