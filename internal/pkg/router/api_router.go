package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/LLMReady/internal/pkg/env"
	"github.com/ManuelReschke/LLMReady/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 600),
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "LLMReady billing api",
		})
	})

	bc := h.deps.Billing
	v1 := api.Group("/v1", middleware.InternalTokenMiddleware(h.deps.InternalToken))

	v1.Get("/quota/:user_id", bc.HandleQuotaCheck)
	v1.Post("/quota/:user_id/consume", bc.HandleQuotaConsume)
	v1.Get("/websites/:user_id/allowed", bc.HandleWebsiteAllowance)

	v1.Post("/ledger/:user_id", bc.HandleOpenLedger)
	v1.Get("/ledger/:user_id", bc.HandleGetLedger)
	v1.Post("/ledger/:user_id/close", bc.HandleCloseLedger)

	v1.Post("/checkout", bc.HandleCheckout)
	v1.Post("/portal/:user_id", bc.HandlePortal)

	v1.Get("/refunds/:user_id/calculate", bc.HandleRefundQuote)
	v1.Post("/refunds/:user_id/cancel", bc.HandleCoolingOffCancel)

	v1.Post("/reconcile", bc.HandleReconcile)
	v1.Get("/events/failed", bc.HandleFailedEvents)
	v1.Post("/events/:id/replay", bc.HandleReplayEvent)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
