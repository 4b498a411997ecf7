package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

const (
	priceStarterMonthly  = "price_starter_monthly"
	priceStandardMonthly = "price_standard_monthly"
	priceStandardYearly  = "price_standard_yearly"
	priceProMonthly      = "price_pro_monthly"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func testCatalog() *entitlements.Catalog {
	return entitlements.NewCatalog(map[string]entitlements.PriceRef{
		priceStarterMonthly:  {Plan: entitlements.PlanStarter, Interval: models.BillingIntervalMonth},
		priceStandardMonthly: {Plan: entitlements.PlanStandard, Interval: models.BillingIntervalMonth},
		priceStandardYearly:  {Plan: entitlements.PlanStandard, Interval: models.BillingIntervalYear},
		priceProMonthly:      {Plan: entitlements.PlanPro, Interval: models.BillingIntervalMonth},
	})
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) categories() []NotificationCategory {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationCategory, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Category)
	}
	return out
}

type fakeProvider struct {
	mu            sync.Mutex
	subs          map[string]*ProviderSubscription
	subErrs       map[string]error
	charges       map[string]string
	latestCharges map[string]*ProviderCharge
	cancelErr     error
	checkouts     []CheckoutRequest
	priceChanges  []PriceChange
	portals       []string
	canceled      []string
	refunds       []RefundRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:          map[string]*ProviderSubscription{},
		subErrs:       map[string]error{},
		charges:       map[string]string{},
		latestCharges: map[string]*ProviderCharge{},
	}
}

func (p *fakeProvider) GetSubscription(_ context.Context, ref string) (*ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.subErrs[ref]; err != nil {
		return nil, err
	}
	sub, ok := p.subs[ref]
	if !ok {
		return nil, errors.New("no such subscription: " + ref)
	}
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) ChargeCustomer(_ context.Context, chargeRef string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	customer, ok := p.charges[chargeRef]
	if !ok {
		return "", errors.New("no such charge: " + chargeRef)
	}
	return customer, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, req)
	return &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (p *fakeProvider) ChangeSubscriptionPrice(_ context.Context, change PriceChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceChanges = append(p.priceChanges, change)
	return nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, subscriptionRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, subscriptionRef)
	return nil
}

func (p *fakeProvider) LatestCharge(_ context.Context, customerRef string) (*ProviderCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.latestCharges[customerRef]
	if !ok {
		return nil, errors.New("no charge for customer " + customerRef)
	}
	cp := *ch
	return &cp, nil
}

func (p *fakeProvider) RefundCharge(_ context.Context, req RefundRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	return fmt.Sprintf("re_%d", len(p.refunds)), nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerRef, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portals = append(p.portals, customerRef)
	return "https://billing.stripe.test/session/" + customerRef, nil
}

type testEngine struct {
	repo     *MemoryRepository
	router   *Router
	provider *fakeProvider
	notes    *recordingNotifier
	catalog  *entitlements.Catalog
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	e := &testEngine{
		repo:     NewMemoryRepository(),
		provider: newFakeProvider(),
		notes:    &recordingNotifier{},
		catalog:  testCatalog(),
	}
	e.router = NewRouter(e.repo, e.catalog, nil, e.provider, e.notes)
	e.router.now = func() time.Time { return testNow }
	e.router.machine.now = func() time.Time { return testNow }
	return e
}

// seedLedger stores a ledger for userID after applying mutate to the
// free-tier default.
func (e *testEngine) seedLedger(t *testing.T, userID uint, mutate func(l *models.SubscriptionLedger)) *models.SubscriptionLedger {
	t.Helper()
	l := NewFreeLedger(e.catalog, userID, time.Unix(1, 0))
	_, err := e.repo.CreateLedger(context.Background(), l)
	require.NoError(t, err)
	if mutate != nil {
		mutate(l)
		require.NoError(t, e.repo.SaveLedger(context.Background(), l))
	}
	return l
}

// seedPaid stores an active paid ledger linked to cus_<userID>/sub_<userID>.
func (e *testEngine) seedPaid(t *testing.T, userID uint, plan entitlements.Plan, used int) *models.SubscriptionLedger {
	t.Helper()
	ent := e.catalog.Lookup(plan)
	return e.seedLedger(t, userID, func(l *models.SubscriptionLedger) {
		l.PlanID = string(plan)
		l.QuotaLimit = ent.QuotaLimit
		l.ResourceLimit = ent.ResourceLimit
		l.QuotaUsed = used
		l.BillingInterval = models.BillingIntervalMonth
		l.SetCustomerRef(customerRef(userID))
		l.SetSubscriptionRef(subscriptionRef(userID))
	})
}

func (e *testEngine) ledger(t *testing.T, userID uint) *models.SubscriptionLedger {
	t.Helper()
	l, err := e.repo.FindLedgerByUser(context.Background(), userID)
	require.NoError(t, err)
	return l
}

func (e *testEngine) process(t *testing.T, ev Event) HandlerResult {
	t.Helper()
	res, err := e.router.Process(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func customerRef(userID uint) string {
	return fmt.Sprintf("cus_%d", userID)
}

func subscriptionRef(userID uint) string {
	return fmt.Sprintf("sub_%d", userID)
}

// event classifies a provider envelope the way the webhook path does.
func event(t *testing.T, id, providerType string, ts int64, object interface{}) Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	ev, err := Classify(RawEvent{ID: id, Type: providerType, Created: ts, Object: raw})
	require.NoError(t, err)
	return ev
}

func subscriptionPayload(id, customer, status, priceID string, userID uint) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"customer": customer,
		"status":   status,
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"price": map[string]interface{}{
					"id":        priceID,
					"recurring": map[string]string{"interval": "month"},
				}},
			},
		},
		"metadata": map[string]string{"user_id": uintString(userID)},
	}
}

func invoicePayload(id, customer, subscription string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"customer":     customer,
		"subscription": subscription,
		"amount_due":   amount,
		"amount_paid":  amount,
		"currency":     "eur",
	}
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
