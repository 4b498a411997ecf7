package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LLMReady/internal/pkg/billing"
	"github.com/ManuelReschke/LLMReady/internal/pkg/jobqueue"
)

// ReconcileRunner triggers one backup reconciliation pass.
type ReconcileRunner interface {
	RunReconcileOnce(ctx context.Context) (*billing.ReconciliationReport, error)
}

// BillingController exposes the webhook endpoint and the internal billing API.
type BillingController struct {
	service        *billing.Service
	events         *billing.Router
	reconciler     ReconcileRunner
	webhookTimeout time.Duration
}

func NewBillingController(service *billing.Service, events *billing.Router, reconciler ReconcileRunner, webhookTimeout time.Duration) *BillingController {
	if webhookTimeout <= 0 {
		webhookTimeout = 15 * time.Second
	}
	return &BillingController{
		service:        service,
		events:         events,
		reconciler:     reconciler,
		webhookTimeout: webhookTimeout,
	}
}

// HandleStripeWebhook ingests one provider notification. Any 2xx tells the
// provider to stop redelivering, so only unverifiable payloads (400) and an
// unavailable store (503) answer with an error.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return apiError(c, fiber.StatusBadRequest, "invalid_signature", "Missing Stripe-Signature header")
	}

	// fasthttp reuses the request buffer after the handler returns
	payload := append([]byte(nil), c.Body()...)

	ctx, cancel := context.WithTimeout(c.UserContext(), bc.webhookTimeout)
	defer cancel()

	result, err := bc.events.Handle(ctx, payload, signature)
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return apiError(c, fiber.StatusBadRequest, "invalid_signature", "Signature verification failed")
	case errors.Is(err, billing.ErrMalformedEvent):
		return apiError(c, fiber.StatusBadRequest, "malformed_event", err.Error())
	case err != nil:
		log.Errorf("[Billing] Webhook not recorded: %v", err)
		return apiError(c, fiber.StatusServiceUnavailable, "store_unavailable", "Event could not be recorded, retry later")
	}

	return c.JSON(fiber.Map{"ok": true, "result": result.Kind})
}

// HandleQuotaCheck answers whether the user may start one more generation.
func (bc *BillingController) HandleQuotaCheck(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	allowed, err := bc.service.CanConsumeQuota(c.UserContext(), userID)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"allowed": allowed})
}

// HandleQuotaConsume charges one unit against the user's quota.
func (bc *BillingController) HandleQuotaConsume(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	if err := bc.service.RecordConsumption(c.UserContext(), userID); err != nil {
		return bc.serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleWebsiteAllowance answers whether the user may add one more website.
func (bc *BillingController) HandleWebsiteAllowance(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	current := c.QueryInt("current", 0)
	if current < 0 {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "current must not be negative")
	}
	allowed, err := bc.service.CanAddWebsite(c.UserContext(), userID, current)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"allowed": allowed})
}

func (bc *BillingController) HandleOpenLedger(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	ledger, err := bc.service.OpenLedger(c.UserContext(), userID)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ledger)
}

func (bc *BillingController) HandleGetLedger(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	status, err := bc.service.LedgerStatus(c.UserContext(), userID)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(status)
}

// HandleCloseLedger cancels the subscription of a user whose account is being
// deleted.
func (bc *BillingController) HandleCloseLedger(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	if err := bc.service.CloseSubscription(c.UserContext(), userID); err != nil {
		return bc.serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleRefundQuote previews the cooling-off refund of a user.
func (bc *BillingController) HandleRefundQuote(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	quote, err := bc.service.CalculateCoolingOffRefund(c.UserContext(), userID)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(quote)
}

// HandleCoolingOffCancel cancels a new subscription with a cooling-off refund.
func (bc *BillingController) HandleCoolingOffCancel(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	var in billing.CoolingOffInput
	if err := c.BodyParser(&in); err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "Request body could not be parsed")
	}
	in.UserID = userID

	result, err := bc.service.CancelWithCoolingOffRefund(c.UserContext(), in)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(result)
}

// HandleCheckout starts a hosted checkout or switches an existing subscription.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var in billing.CheckoutInput
	if err := c.BodyParser(&in); err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "Request body could not be parsed")
	}

	session, err := bc.service.StartCheckout(c.UserContext(), in)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(session)
}

func (bc *BillingController) HandlePortal(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return invalidUserID(c)
	}
	url, err := bc.service.PortalURL(c.UserContext(), userID)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"url": url})
}

// HandleReconcile runs a reconciliation pass on demand.
func (bc *BillingController) HandleReconcile(c *fiber.Ctx) error {
	if bc.reconciler == nil {
		return apiError(c, fiber.StatusServiceUnavailable, "reconciler_unavailable", "Reconciliation is not configured")
	}
	report, err := bc.reconciler.RunReconcileOnce(c.UserContext())
	if errors.Is(err, jobqueue.ErrReconcileRunning) {
		return apiError(c, fiber.StatusConflict, "reconcile_running", err.Error())
	}
	if err != nil {
		log.Errorf("[Billing] Manual reconcile failed: %v", err)
		if report == nil {
			return apiError(c, fiber.StatusBadGateway, "reconcile_failed", err.Error())
		}
		return c.Status(fiber.StatusBadGateway).JSON(report)
	}
	return c.JSON(report)
}

// HandleFailedEvents lists events whose handler failed, newest first.
func (bc *BillingController) HandleFailedEvents(c *fiber.Ctx) error {
	events, err := bc.service.FailedEvents(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"events": events})
}

// HandleReplayEvent runs a failed event through the state machine again.
func (bc *BillingController) HandleReplayEvent(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "event id is required")
	}
	result, err := bc.events.Replay(c.UserContext(), id)
	if err != nil {
		return bc.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"event_id": id, "result": result.Kind, "detail": result.Detail})
}

func (bc *BillingController) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrLedgerNotFound):
		return apiError(c, fiber.StatusNotFound, "not_found", "Ledger not found")
	case errors.Is(err, billing.ErrQuotaExhausted):
		return apiError(c, fiber.StatusPaymentRequired, "quota_exhausted", "Quota exhausted for the current period")
	case errors.Is(err, billing.ErrCheckoutThrottled):
		return apiError(c, fiber.StatusTooManyRequests, "checkout_throttled", "A checkout was started moments ago")
	case errors.Is(err, billing.ErrInvalidCheckout):
		return apiError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrNoCustomer):
		return apiError(c, fiber.StatusConflict, "no_customer", "User has no billing customer yet")
	case errors.Is(err, billing.ErrNoProvider):
		return apiError(c, fiber.StatusServiceUnavailable, "provider_unavailable", err.Error())
	case errors.Is(err, billing.ErrNoSubscription):
		return apiError(c, fiber.StatusBadRequest, "no_subscription", "User has no paid subscription to cancel")
	case errors.Is(err, billing.ErrOutsideCoolingOff):
		return apiError(c, fiber.StatusBadRequest, "outside_cooling_off", err.Error())
	case errors.Is(err, billing.ErrInvalidRefund):
		return apiError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrEventNotFound):
		return apiError(c, fiber.StatusNotFound, "not_found", "Event not found")
	case errors.Is(err, billing.ErrEventNotReplayable):
		return apiError(c, fiber.StatusConflict, "not_replayable", err.Error())
	case errors.Is(err, billing.ErrStoreUnavailable):
		return apiError(c, fiber.StatusServiceUnavailable, "store_unavailable", "Billing store unavailable, retry later")
	}
	log.Errorf("[Billing] Request %s %s failed: %v", c.Method(), c.Path(), err)
	return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Billing request failed")
}

func userIDParam(c *fiber.Ctx) (uint, bool) {
	id, err := c.ParamsInt("user_id")
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

func invalidUserID(c *fiber.Ctx) error {
	return apiError(c, fiber.StatusBadRequest, "invalid_request", "user_id must be a positive integer")
}

func apiError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}
