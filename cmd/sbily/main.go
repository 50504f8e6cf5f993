package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/sbily/app/controllers"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/cache"
	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/database"
	"github.com/ManuelReschke/sbily/internal/pkg/env"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/mail"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
	"github.com/ManuelReschke/sbily/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal(err)
	}

	app, manager, err := NewApplication(cfg)
	if err != nil {
		log.Fatal(err)
	}

	manager.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)
		if err := app.Listen(addr); err != nil {
			log.Printf("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		log.Printf("shutdown: %v", err)
	}
	manager.Stop()
}

// NewApplication connects the stores, registers the background jobs and
// installs the routes. The returned manager is not started yet.
func NewApplication(cfg *config.Config) (*fiber.App, *jobqueue.Manager, error) {
	if err := database.SetupDatabase(cfg.DB, cfg.IsDev()); err != nil {
		return nil, nil, err
	}
	db := database.GetDB()
	redisClient := cache.SetupCache(cfg.Cache)

	repository.InitializeFactory(db)

	queue := jobqueue.NewQueue(redisClient, cfg.Queue.Workers)
	queue.SetMaxRetries(cfg.Queue.MaxRetries)
	notifier := mail.NewQueueNotifier(queue)

	sender, err := mail.NewSender(cfg.Mail)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := mail.NewRenderer(map[string]string{
		"AppName":      cfg.App.Name,
		"DashboardURL": cfg.App.PublicDomain,
	})
	if err != nil {
		return nil, nil, err
	}

	svc := billing.NewServiceFromDB(db,
		billing.NewStripeGatewayFromConfig(cfg.Stripe),
		billing.CatalogFromConfig(cfg.Stripe),
		billing.WithNotifier(notifier),
		billing.WithPackagePricing(billing.PackagePricing{
			Permanent: cfg.Packages.PermanentPrice,
			Temporary: cfg.Packages.TemporaryPrice,
			Currency:  cfg.Packages.Currency,
		}),
	)
	reconciler := billing.NewReconciler(svc)
	enforcer := quota.NewEnforcer(db, cfg.Quota.ResetInterval)

	mail.RegisterJobs(queue, db, sender, renderer)
	billing.RegisterJobs(queue, reconciler, billing.NewRenewalReminders(svc, notifier, cfg.Reminder.Lead))
	quota.RegisterJobs(queue, enforcer, notifier)

	manager := jobqueue.NewManager(queue)
	if err := manager.Schedule(cfg.Quota.ResetCron, jobqueue.JobTypeResetMonthlyQuotas, nil); err != nil {
		return nil, nil, fmt.Errorf("schedule quota reset: %w", err)
	}
	if err := manager.Schedule(cfg.Reminder.Cron, jobqueue.JobTypeRenewalReminderScan, nil); err != nil {
		return nil, nil, fmt.Errorf("schedule renewal reminders: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Deps{
		Config:       cfg,
		Billing:      svc,
		Reconciler:   reconciler,
		Enforcer:     enforcer,
		Repositories: repository.GetGlobalRepositories(),
		Queue:        queue,
		LimiterStorage: redisstorage.New(redisstorage.Config{
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			Database: cache.LimiterDB,
		}),
		DocsFile: findDocsFile(),
		HealthChecks: map[string]controllers.HealthCheck{
			"database": database.Ping,
			"cache":    cache.Ping,
		},
	})

	return app, manager, nil
}

// findDocsFile looks for the OpenAPI document from the project root or from
// cmd/sbily.
func findDocsFile() string {
	for _, base := range []string{"./", "../../"} {
		path := base + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
