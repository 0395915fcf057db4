package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsRouter struct {
	users map[string]string
}

func (h MetricsRouter) InstallRouter(app *fiber.App) {
	if len(h.users) == 0 {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: h.users,
	}), adaptor.HTTPHandler(promhttp.Handler()))
}

func NewMetricsRouter(deps Dependencies) *MetricsRouter {
	return &MetricsRouter{users: deps.MetricsUsers}
}
