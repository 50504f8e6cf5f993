package main

import (
	"fmt"
	"os"

	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/cache"
	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/database"
	"github.com/ManuelReschke/sbily/internal/pkg/env"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/mail"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
)

func main() {
	if err := newRootCmd(loadRuntime).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRuntime connects to MySQL and the cache the same way the server does.
// Notifications are queued for the server's workers.
func loadRuntime() (*runtime, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := database.SetupDatabase(cfg.DB, false); err != nil {
		return nil, err
	}
	db := database.GetDB()

	queue := jobqueue.NewQueue(cache.SetupCache(cfg.Cache), cfg.Queue.Workers)
	notifier := mail.NewQueueNotifier(queue)

	svc := billing.NewServiceFromDB(db,
		billing.NewStripeGatewayFromConfig(cfg.Stripe),
		billing.CatalogFromConfig(cfg.Stripe),
		billing.WithNotifier(notifier),
	)
	return &runtime{
		svc:        svc,
		reconciler: billing.NewReconciler(svc),
		enforcer:   quota.NewEnforcer(db, cfg.Quota.ResetInterval),
		notifier:   notifier,
		users:      repository.NewUserRepository(db),
	}, nil
}
