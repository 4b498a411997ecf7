package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LLMReady/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and settings the routers mount.
type Dependencies struct {
	Billing       *controllers.BillingController
	InternalToken string

	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage

	// Health reports readiness of the backing stores; nil means always ready.
	Health func(ctx context.Context) error
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Public routes first so the webhook is not subject to the API limiter.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
