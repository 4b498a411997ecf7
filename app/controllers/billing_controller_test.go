package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/billing"
	"github.com/ManuelReschke/LLMReady/internal/pkg/checkoutguard"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
	"github.com/ManuelReschke/LLMReady/internal/pkg/jobqueue"
)

const webhookSecret = "whsec_controller_test"

type stubProvider struct{}

func (stubProvider) ChargeCustomer(context.Context, string) (string, error) {
	return "", errors.New("no charges")
}

func (stubProvider) GetSubscription(context.Context, string) (*billing.ProviderSubscription, error) {
	return nil, errors.New("no subscriptions")
}

func (stubProvider) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	return &billing.CheckoutSession{ID: "cs_test", URL: "https://checkout.example.com/" + req.PriceID}, nil
}

func (stubProvider) ChangeSubscriptionPrice(context.Context, billing.PriceChange) error {
	return nil
}

func (stubProvider) CancelSubscription(context.Context, string) error {
	return nil
}

func (stubProvider) LatestCharge(_ context.Context, customerRef string) (*billing.ProviderCharge, error) {
	return &billing.ProviderCharge{ID: "ch_" + customerRef, AmountCents: 3900, Currency: "eur"}, nil
}

func (stubProvider) RefundCharge(_ context.Context, req billing.RefundRequest) (string, error) {
	return "re_" + req.ChargeRef, nil
}

func (stubProvider) CreatePortalSession(_ context.Context, customerRef, _ string) (string, error) {
	return "https://portal.example.com/" + customerRef, nil
}

type stubReconciler struct {
	report *billing.ReconciliationReport
	err    error
}

func (s stubReconciler) RunReconcileOnce(context.Context) (*billing.ReconciliationReport, error) {
	return s.report, s.err
}

type testApp struct {
	app  *fiber.App
	repo *billing.MemoryRepository
}

func newTestApp(t *testing.T, reconciler ReconcileRunner) *testApp {
	t.Helper()
	repo := billing.NewMemoryRepository()
	catalog := entitlements.NewCatalog(map[string]entitlements.PriceRef{
		"price_standard_monthly": {Plan: entitlements.PlanStandard, Interval: models.BillingIntervalMonth},
		"price_pro_monthly":      {Plan: entitlements.PlanPro, Interval: models.BillingIntervalMonth},
	})
	provider := stubProvider{}
	events := billing.NewRouter(repo, catalog, billing.NewStripeVerifier(webhookSecret, 0), provider, billing.LogNotifier{})
	service := billing.NewService(repo, catalog, provider, checkoutguard.NewMemoryGuard(time.Minute, 1),
		billing.Config{FrontendURL: "https://app.llmready.test"}).WithRouter(events)

	bc := NewBillingController(service, events, reconciler, time.Second)
	app := fiber.New()
	app.Post("/webhooks/stripe", bc.HandleStripeWebhook)
	app.Get("/quota/:user_id", bc.HandleQuotaCheck)
	app.Post("/quota/:user_id/consume", bc.HandleQuotaConsume)
	app.Get("/websites/:user_id/allowed", bc.HandleWebsiteAllowance)
	app.Post("/ledger/:user_id", bc.HandleOpenLedger)
	app.Get("/ledger/:user_id", bc.HandleGetLedger)
	app.Post("/ledger/:user_id/close", bc.HandleCloseLedger)
	app.Get("/refunds/:user_id/calculate", bc.HandleRefundQuote)
	app.Post("/refunds/:user_id/cancel", bc.HandleCoolingOffCancel)
	app.Post("/checkout", bc.HandleCheckout)
	app.Post("/portal/:user_id", bc.HandlePortal)
	app.Post("/reconcile", bc.HandleReconcile)
	app.Get("/events/failed", bc.HandleFailedEvents)
	app.Post("/events/:id/replay", bc.HandleReplayEvent)
	return &testApp{app: app, repo: repo}
}

func (a *testApp) do(t *testing.T, method, path string, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func signedEvent(t *testing.T, secret, eventID, eventType string, object map[string]interface{}) (string, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-08-27.basil",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return string(signed.Payload), signed.Header
}

func signedCheckoutEvent(t *testing.T, secret, eventID string, userID string) (string, string) {
	t.Helper()
	return signedEvent(t, secret, eventID, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_" + userID,
		"mode":                "subscription",
		"customer":            "cus_" + userID,
		"subscription":        "sub_" + userID,
		"client_reference_id": userID,
		"metadata":            map[string]string{"plan_id": "standard", "billing_interval": "month"},
	})
}

func TestWebhookLifecycle(t *testing.T) {
	a := newTestApp(t, nil)

	status, _ := a.do(t, http.MethodPost, "/ledger/5", "", nil)
	require.Equal(t, fiber.StatusCreated, status)

	body, header := signedCheckoutEvent(t, webhookSecret, "evt_ctrl_1", "5")
	status, out := a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "applied", out["result"])

	status, out = a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "skipped_duplicate", out["result"])

	status, out = a.do(t, http.MethodGet, "/ledger/5", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "standard", out["plan_id"])
	assert.Equal(t, "sub_5", out["provider_subscription_ref"])
	assert.Equal(t, true, out["can_consume"])
	assert.NotContains(t, out, "grace_ends_at")
	assert.NotEmpty(t, out["subscription_started_at"])
}

func TestWebhookRejections(t *testing.T) {
	a := newTestApp(t, nil)
	body, header := signedCheckoutEvent(t, webhookSecret, "evt_ctrl_2", "6")

	status, out := a.do(t, http.MethodPost, "/webhooks/stripe", body, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", out["error"])

	_, wrongHeader := signedCheckoutEvent(t, "whsec_other", "evt_ctrl_2", "6")
	status, _ = a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": wrongHeader})
	assert.Equal(t, fiber.StatusBadRequest, status)

	a.repo.SetUnavailable(true)
	status, out = a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "store_unavailable", out["error"])
	a.repo.SetUnavailable(false)

	assert.Empty(t, a.repo.Events())
}

func TestQuotaEndpoints(t *testing.T) {
	a := newTestApp(t, nil)

	status, _ := a.do(t, http.MethodGet, "/ledger/7", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	status, out := a.do(t, http.MethodGet, "/quota/7", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, out["allowed"], "no ledger, no quota")

	status, _ = a.do(t, http.MethodPost, "/ledger/7", "", nil)
	require.Equal(t, fiber.StatusCreated, status)

	status, out = a.do(t, http.MethodGet, "/quota/7", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["allowed"])

	status, _ = a.do(t, http.MethodPost, "/quota/7/consume", "", nil)
	assert.Equal(t, fiber.StatusNoContent, status)
	status, out = a.do(t, http.MethodPost, "/quota/7/consume", "", nil)
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "quota_exhausted", out["error"])

	status, out = a.do(t, http.MethodGet, "/websites/7/allowed?current=0", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["allowed"])
	status, out = a.do(t, http.MethodGet, "/websites/7/allowed?current=1", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, out["allowed"])

	status, _ = a.do(t, http.MethodGet, "/quota/abc", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodPost, "/quota/0/consume", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestCheckoutEndpoint(t *testing.T) {
	a := newTestApp(t, nil)

	status, out := a.do(t, http.MethodPost, "/checkout", `{"user_id":8,"plan":"pro","email":"ada@example.com"}`, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "https://checkout.example.com/price_pro_monthly", out["url"])

	status, out = a.do(t, http.MethodPost, "/checkout", `{"user_id":8,"plan":"pro"}`, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Equal(t, "checkout_throttled", out["error"])

	status, _ = a.do(t, http.MethodPost, "/checkout", `{"user_id":9,"plan":"gold"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodPost, "/checkout", `{"user_id":`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestPortalEndpoint(t *testing.T) {
	a := newTestApp(t, nil)

	status, _ := a.do(t, http.MethodPost, "/ledger/10", "", nil)
	require.Equal(t, fiber.StatusCreated, status)
	status, out := a.do(t, http.MethodPost, "/portal/10", "", nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "no_customer", out["error"])

	body, header := signedCheckoutEvent(t, webhookSecret, "evt_ctrl_portal", "10")
	status, _ = a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)

	status, out = a.do(t, http.MethodPost, "/portal/10", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "https://portal.example.com/cus_10", out["url"])
}

func TestReconcileEndpoint(t *testing.T) {
	status, _ := newTestApp(t, nil).do(t, http.MethodPost, "/reconcile", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	ok := stubReconciler{report: &billing.ReconciliationReport{RunID: "run-1", Checked: 3, Applied: 1}}
	status, out := newTestApp(t, ok).do(t, http.MethodPost, "/reconcile", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, float64(3), out["checked"])

	busy := stubReconciler{err: jobqueue.ErrReconcileRunning}
	status, _ = newTestApp(t, busy).do(t, http.MethodPost, "/reconcile", "", nil)
	assert.Equal(t, fiber.StatusConflict, status)

	failed := stubReconciler{report: &billing.ReconciliationReport{RunID: "run-2"}, err: errors.New("list ledgers: timeout")}
	status, out = newTestApp(t, failed).do(t, http.MethodPost, "/reconcile", "", nil)
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "run-2", out["run_id"])
}

func TestFailedEventsEndpoint(t *testing.T) {
	status, out := newTestApp(t, nil).do(t, http.MethodGet, "/events/failed?limit=10", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, out, "events")
}

func TestCoolingOffEndpoints(t *testing.T) {
	a := newTestApp(t, nil)
	hook := func(body, header string) {
		status, _ := a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
		require.Equal(t, fiber.StatusOK, status)
	}
	hook(signedCheckoutEvent(t, webhookSecret, "evt_ctrl_refund", "11"))

	status, out := a.do(t, http.MethodGet, "/refunds/11/calculate", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["eligible"])
	assert.Equal(t, float64(3900), out["refund_cents"])
	assert.Contains(t, out["message"], "Full refund")

	status, out = a.do(t, http.MethodPost, "/refunds/11/cancel", `{"reason":"not needed"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", out["error"])

	status, out = a.do(t, http.MethodPost, "/refunds/11/cancel", `{"reason":"not needed","acknowledge_usage_charge":true}`, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["canceled"])
	assert.Equal(t, true, out["refunded"])
	assert.Equal(t, "re_ch_cus_11", out["refund_id"])

	status, out = a.do(t, http.MethodGet, "/ledger/11", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "canceled", out["status"])
	assert.Equal(t, "free", out["plan_id"])
	assert.Equal(t, false, out["can_consume"])

	status, out = a.do(t, http.MethodGet, "/refunds/11/calculate", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "no_subscription", out["error"])
	status, _ = a.do(t, http.MethodGet, "/refunds/404/calculate", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestCloseLedgerEndpoint(t *testing.T) {
	a := newTestApp(t, nil)
	body, header := signedCheckoutEvent(t, webhookSecret, "evt_ctrl_close", "13")
	status, _ := a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)

	status, _ = a.do(t, http.MethodPost, "/ledger/13/close", "", nil)
	assert.Equal(t, fiber.StatusNoContent, status)
	status, out := a.do(t, http.MethodGet, "/ledger/13", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "canceled", out["status"])

	status, _ = a.do(t, http.MethodPost, "/ledger/404/close", "", nil)
	assert.Equal(t, fiber.StatusNoContent, status)
}

func TestReplayEventEndpoint(t *testing.T) {
	a := newTestApp(t, nil)

	// The payment failure arrives before the ledger it belongs to exists.
	body, header := signedEvent(t, webhookSecret, "evt_ctrl_early", "invoice.payment_failed", map[string]interface{}{
		"id": "in_12", "customer": "cus_12", "subscription": "sub_12", "amount_due": 3900, "currency": "eur",
	})
	status, out := a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "failed", out["result"])

	status, out = a.do(t, http.MethodPost, "/events/evt_ctrl_early/replay", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "failed", out["result"])

	body, header = signedCheckoutEvent(t, webhookSecret, "evt_ctrl_late_checkout", "12")
	status, _ = a.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": header})
	require.Equal(t, fiber.StatusOK, status)

	status, out = a.do(t, http.MethodPost, "/events/evt_ctrl_early/replay", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", out["result"])

	status, out = a.do(t, http.MethodGet, "/ledger/12", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "past_due", out["status"])
	assert.NotEmpty(t, out["grace_ends_at"])

	status, out = a.do(t, http.MethodPost, "/events/evt_ctrl_early/replay", "", nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "not_replayable", out["error"])
	status, _ = a.do(t, http.MethodPost, "/events/evt_unknown/replay", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}
