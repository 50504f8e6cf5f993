package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/sbily/app/controllers"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries everything the routes hand to their controllers.
// Queue and LimiterStorage are optional: without a queue webhooks are
// reconciled inline, without a storage the limiter keeps counters in memory.
type Deps struct {
	Config         *config.Config
	Billing        *billing.Service
	Reconciler     *billing.Reconciler
	Enforcer       *quota.Enforcer
	Repositories   *repository.Repositories
	Queue          *jobqueue.Queue
	LimiterStorage fiber.Storage
	DocsFile       string
	HealthChecks   map[string]controllers.HealthCheck
}

// enqueuer avoids handing controllers a typed nil queue.
func (d Deps) enqueuer() controllers.JobEnqueuer {
	if d.Queue == nil {
		return nil
	}
	return d.Queue
}

func InstallRouter(app *fiber.App, deps Deps) {
	// Public routes first: the webhook and health endpoints must not pass
	// through the API key middleware of the /api group.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
