package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/billrecon/app/controllers"
)

type WebhookRouter struct {
	billing *controllers.BillingController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealth)
	app.Post("/webhooks/stripe", h.billing.HandleStripeWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{billing: deps.Billing}
}
