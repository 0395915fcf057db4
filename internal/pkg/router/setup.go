package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/billrecon/app/controllers"
)

// Router registers one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and settings shared by the routers.
type Dependencies struct {
	Billing    *controllers.BillingController
	Admin      *controllers.AdminController
	AdminToken string
	// LimiterStorage backs the operator API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	MetricsUsers   map[string]string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks first: they must never sit behind the admin limiter.
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps), NewMetricsRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
