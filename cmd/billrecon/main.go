package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/billrecon/app/controllers"
	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/archive"
	"github.com/ManuelReschke/billrecon/internal/pkg/billing"
	"github.com/ManuelReschke/billrecon/internal/pkg/cache"
	"github.com/ManuelReschke/billrecon/internal/pkg/database"
	"github.com/ManuelReschke/billrecon/internal/pkg/env"
	"github.com/ManuelReschke/billrecon/internal/pkg/keylock"
	"github.com/ManuelReschke/billrecon/internal/pkg/notify"
	"github.com/ManuelReschke/billrecon/internal/pkg/plancatalog"
	"github.com/ManuelReschke/billrecon/internal/pkg/router"
)

// webhook payloads are small; anything bigger is rejected before verification
const bodyLimit = 1 << 20

func main() {
	app, shutdown := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Server] Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Server] Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, the billing engine and the HTTP routes. The
// returned function releases background resources after the server stopped.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	catalog := loadCatalog()
	repo := billing.NewRepository(db)

	var locker keylock.Locker = keylock.NewLocal()
	if env.GetEnv("LOCK_BACKEND", "local") == "redis" {
		locker = keylock.Chain{locker, keylock.NewRedis(cache.GetClient(), env.GetEnvDuration("LOCK_TTL", 30*time.Second))}
		log.Info("[Server] Using Redis key locks")
	}

	var notifier notify.Notifier = notify.Nop{}
	closeNotifier := func() {}
	if env.GetEnv("NOTIFY_BACKEND", "redis") == "redis" {
		rn := notify.NewRedis(cache.GetClient(), env.GetEnv("NOTIFY_CHANNEL_PREFIX", notify.DefaultChannelPrefix))
		notifier = rn
		closeNotifier = func() {
			if err := rn.Close(); err != nil {
				log.Warnf("[Notify] Close failed: %v", err)
			}
		}
	}

	var processor billing.ProcessorClient
	if key := env.GetEnv("STRIPE_API_KEY", ""); key != "" {
		processor = billing.NewStripeProcessor(key)
	} else {
		log.Warn("[Server] STRIPE_API_KEY not set, truncated invoices and price drift checks fall back to webhook data")
	}

	var payloadArchive billing.PayloadArchive
	var payloadSource controllers.PayloadSource
	if client := newArchive(); client != nil {
		payloadArchive = client
		payloadSource = client
	}

	dispatcher := billing.NewDispatcher(billing.DispatcherConfig{
		Verifier:      billing.NewVerifier(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		Repo:          repo,
		Reconciler:    billing.NewReconciler(repo, catalog, processor, notifier),
		Subscriptions: billing.NewSubscriptionMachine(repo, catalog, processor, notifier, locker),
		Locker:        locker,
		Archive:       payloadArchive,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: bodyLimit,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	deps := router.Dependencies{
		Billing:    controllers.NewBillingController(dispatcher),
		Admin:      controllers.NewAdminController(repo, dispatcher, payloadSource),
		AdminToken: env.GetEnv("ADMIN_API_KEY", ""),
	}
	if env.GetEnv("LIMITER_BACKEND", "memory") == "redis" {
		deps.LimiterStorage = cache.NewLimiterStorage()
	}
	if user := env.GetEnv("METRICS_USER", ""); user != "" {
		deps.MetricsUsers = map[string]string{user: env.GetEnv("METRICS_PASSWORD", "")}
	}

	// ROUTER
	router.InstallRouter(app, deps)

	return app, closeNotifier
}

func loadCatalog() *plancatalog.Catalog {
	db := database.GetDB()
	if path := env.GetEnv("PLAN_CATALOG_FILE", ""); path != "" {
		catalog, err := plancatalog.LoadFile(path)
		if err != nil {
			log.Fatalf("[Server] Failed to load plan catalog %s: %v", path, err)
		}
		if err := catalog.SyncToDB(db, models.BillingProviderStripe); err != nil {
			log.Fatalf("[Server] Failed to persist plan catalog: %v", err)
		}
		log.Infof("[Server] Plan catalog %s loaded from %s (%d prices)", catalog.Version(), path, catalog.Len())
		return catalog
	}

	catalog, err := plancatalog.LoadFromDB(db, models.BillingProviderStripe)
	if err != nil {
		log.Fatalf("[Server] Failed to load plan catalog from database: %v", err)
	}
	log.Infof("[Server] Plan catalog %s loaded from database (%d prices)", catalog.Version(), catalog.Len())
	return catalog
}

func newArchive() *archive.Client {
	cfg, err := archive.LoadConfig()
	if err != nil {
		log.Fatalf("[Server] Invalid archive configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := archive.NewClient(ctx, cfg)
	if err != nil {
		if !errors.Is(err, archive.ErrDisabled) {
			log.Errorf("[Server] Payload archive unavailable: %v", err)
		}
		return nil
	}
	return client
}
