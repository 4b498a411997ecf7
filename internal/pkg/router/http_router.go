package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/stripe", h.deps.Billing.HandleStripeWebhook)

	app.Get("/healthz", h.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.Health != nil {
		if err := h.deps.Health(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "message": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
