package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/LLMReady/app/controllers"
	"github.com/ManuelReschke/LLMReady/internal/pkg/billing"
	"github.com/ManuelReschke/LLMReady/internal/pkg/cache"
	"github.com/ManuelReschke/LLMReady/internal/pkg/checkoutguard"
	"github.com/ManuelReschke/LLMReady/internal/pkg/database"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
	"github.com/ManuelReschke/LLMReady/internal/pkg/env"
	"github.com/ManuelReschke/LLMReady/internal/pkg/jobqueue"
	"github.com/ManuelReschke/LLMReady/internal/pkg/mail"
	"github.com/ManuelReschke/LLMReady/internal/pkg/router"
)

func main() {
	app, shutdown := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the billing engine and returns the app together with
// a function that stops the background workers.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()

	cfg, err := billing.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid billing configuration: %v", err)
	}

	database.SetupDatabase()
	cache.SetupCache()
	redisClient := cache.GetClient()

	repo := billing.NewRepository(database.GetDB())
	catalog := entitlements.LoadCatalogFromEnv()

	var provider billing.Provider
	var charges billing.ChargeResolver
	if cfg.ProviderConfigured() {
		stripeProvider := billing.NewStripeProvider(cfg.StripeSecretKey)
		provider, charges = stripeProvider, stripeProvider
	} else {
		log.Println("Warning: STRIPE_SECRET_KEY not set, checkout and reconciliation are disabled")
	}

	mailer := mail.NewSMTPMailer(mail.ConfigFromEnv())
	queue := jobqueue.NewQueue(redisClient, env.GetEnvInt("NOTIFICATION_WORKERS", 2), repo, mailer)
	var notifier billing.Notifier = billing.LogNotifier{}
	if mailer.Configured() {
		notifier = jobqueue.NewNotifier(queue)
	} else {
		queue = nil
	}

	guard := checkoutguard.Instrument(checkoutguard.NewRedisGuard(redisClient, cfg.CheckoutWindow, cfg.CheckoutLimit))
	verifier := billing.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance)
	events := billing.NewRouter(repo, catalog, verifier, charges, notifier)
	service := billing.NewService(repo, catalog, provider, guard, cfg).WithRouter(events)

	managerCfg := jobqueue.ManagerConfig{
		Client:             redisClient,
		Queue:              queue,
		UsageResetter:      service,
		ReconcileInterval:  cfg.ReconcileInterval,
		UsageResetInterval: cfg.UsageResetInterval,
	}
	var reconcileRunner controllers.ReconcileRunner
	if provider != nil {
		managerCfg.Reconciler = billing.NewReconciler(repo, events, provider, catalog, cfg.ReconcileBatchSize)
	}
	manager := jobqueue.NewManager(managerCfg)
	if managerCfg.Reconciler != nil {
		reconcileRunner = manager
	}
	manager.Start()

	app := fiber.New(fiber.Config{
		AppName:   "LLMReady Billing",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: env.GetEnv("OPENAPI_FILE", "./public/docs/v1/openapi.yml"),
		Path:     "v1",
	}))

	var limiterStorage fiber.Storage
	if cache.Available() {
		limiterStorage = cache.NewLimiterStorage()
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        controllers.NewBillingController(service, events, reconcileRunner, cfg.WebhookTimeout),
		InternalToken:  cfg.InternalAPIToken,
		LimiterStorage: limiterStorage,
		Health:         health,
	})

	return app, manager.Stop
}

func health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	db := database.GetDB()
	if db == nil {
		return errors.New("database not initialized")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}
