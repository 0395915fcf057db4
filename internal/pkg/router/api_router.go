package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/billrecon/app/controllers"
	"github.com/ManuelReschke/billrecon/internal/pkg/middleware"
)

type ApiRouter struct {
	admin   *controllers.AdminController
	token   string
	storage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
		Storage:    h.storage,
	}))
	// API v1 operator routes
	v1 := api.Group("/v1", middleware.AdminTokenMiddleware(h.token))
	v1.Get("/alerts", h.admin.HandleListAlerts)
	v1.Post("/alerts/:id/resolve", h.admin.HandleResolveAlert)
	v1.Get("/accounts/:id/subscriptions", h.admin.HandleAccountSubscriptions)
	v1.Get("/accounts/:id/payments", h.admin.HandleAccountPayments)
	v1.Post("/events/:id/replay", h.admin.HandleReplayEvent)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{admin: deps.Admin, token: deps.AdminToken, storage: deps.LimiterStorage}
}
