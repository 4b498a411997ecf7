package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

// Outcome describes what a handler did with an event.
type Outcome struct {
	Ignored       bool
	Reason        string
	Notifications []Notification
}

func ignore(format string, args ...interface{}) (Outcome, error) {
	return Outcome{Ignored: true, Reason: fmt.Sprintf(format, args...)}, nil
}

// StateMachine applies classified events to the subscription ledger. Every
// method runs inside the caller's transaction.
type StateMachine struct {
	catalog *entitlements.Catalog
	now     func() time.Time
}

// NewStateMachine creates the state machine over an entitlement catalog.
func NewStateMachine(catalog *entitlements.Catalog) *StateMachine {
	if catalog == nil {
		catalog = entitlements.NewCatalog(nil)
	}
	return &StateMachine{catalog: catalog, now: time.Now}
}

// Apply dispatches ev to the handler of its event family.
func (m *StateMachine) Apply(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	if !ev.Known {
		return ignore("unhandled event type %s", ev.ProviderType)
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		return m.checkoutCompleted(ctx, tx, ev)
	case EventSubscriptionCreated:
		return m.subscriptionCreated(ctx, tx, ev)
	case EventSubscriptionUpdated:
		return m.subscriptionUpdated(ctx, tx, ev)
	case EventSubscriptionDeleted:
		return m.subscriptionDeleted(ctx, tx, ev)
	case EventPaymentSucceeded:
		return m.paymentSucceeded(ctx, tx, ev)
	case EventPaymentFailed:
		return m.paymentFailed(ctx, tx, ev)
	case EventPaymentActionRequired:
		return m.paymentActionRequired(ctx, tx, ev)
	case EventDisputeCreated:
		return m.disputeCreated(ctx, tx, ev)
	case EventRefundIssued:
		return m.refundIssued(ctx, tx, ev)
	case EventCustomerDeleted:
		return m.customerDeleted(ctx, tx, ev)
	default:
		return ignore("unhandled event type %s", ev.Type)
	}
}

func (m *StateMachine) checkoutCompleted(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var s checkoutSessionObject
	if err := decode(ev, &s); err != nil {
		return Outcome{}, err
	}

	userID := parseUserID(s.ClientReferenceID)
	if userID == 0 {
		userID = parseUserID(s.Metadata["user_id"])
	}
	rawPlan := firstNonEmpty(s.Metadata["plan_id"], s.Metadata["plan_type"])
	if !entitlements.IsKnown(rawPlan) || !entitlements.IsPaid(entitlements.Plan(rawPlan)) {
		return Outcome{}, fmt.Errorf("checkout session %s carries no paid plan (plan=%q)", s.ID, rawPlan)
	}
	plan := entitlements.Normalize(rawPlan)

	status := models.LedgerStatusActive
	if strings.EqualFold(s.Metadata["trial"], "true") {
		status = models.LedgerStatusTrialing
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: s.Subscription, userID: userID, customerRef: s.Customer})
	if errors.Is(err, ErrLedgerNotFound) && userID != 0 {
		l, err = m.createLedger(ctx, tx, userID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if !CanTransition(l.Status, status, ev.Type) {
		return ignore("transition %s -> %s not allowed", l.Status, status)
	}

	m.setStatus(l, status, ev.ProviderTimestamp)
	m.applyPlan(l, plan)
	if interval := firstNonEmpty(s.Metadata["billing_interval"], s.Metadata["interval"]); interval != "" {
		l.BillingInterval = entitlements.NormalizeInterval(interval)
	}
	m.resetUsage(l)
	if s.Customer != "" {
		l.SetCustomerRef(s.Customer)
	}
	if s.Subscription != "" {
		m.linkSubscription(l, s.Subscription, ev.ProviderTimestamp)
	}
	l.CancelAtPeriodEnd = false

	return Outcome{}, m.save(ctx, tx, l, ev)
}

func (m *StateMachine) subscriptionCreated(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return Outcome{}, err
	}

	status := MapProviderStatus(sub.Status)
	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: sub.ID, userID: parseUserID(sub.Metadata["user_id"]), customerRef: sub.Customer})
	if err != nil {
		return Outcome{}, err
	}
	if !CanTransition(l.Status, status, ev.Type) {
		return ignore("subscription %s created with status %s", sub.ID, sub.Status)
	}

	m.setStatus(l, status, ev.ProviderTimestamp)
	if plan, interval, ok := m.planFor(&sub); ok {
		m.applyPlan(l, plan)
		l.BillingInterval = interval
	}
	m.resetUsage(l)
	m.linkSubscription(l, sub.ID, sub.startedAt(ev))
	if sub.Customer != "" {
		l.SetCustomerRef(sub.Customer)
	}
	l.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	return Outcome{}, m.save(ctx, tx, l, ev)
}

func (m *StateMachine) subscriptionUpdated(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return Outcome{}, err
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: sub.ID, userID: parseUserID(sub.Metadata["user_id"]), customerRef: sub.Customer})
	if err != nil {
		return Outcome{}, err
	}
	if current := l.SubscriptionRef(); current != "" && current != sub.ID {
		return ignore("update for superseded subscription %s (current %s)", sub.ID, current)
	}
	if l.SubscriptionRef() == "" && l.IsCanceled() {
		return ignore("ledger of user %d is canceled", l.UserID)
	}

	status := MapProviderStatus(sub.Status)
	if status == models.LedgerStatusCanceled {
		return m.cancel(ctx, tx, l, ev)
	}
	if !CanTransition(l.Status, status, ev.Type) {
		return ignore("transition %s -> %s not allowed", l.Status, status)
	}

	if l.Status == status {
		m.confirmStatus(l, ev)
	} else {
		m.setStatus(l, status, ev.ProviderTimestamp)
	}
	if plan, interval, ok := m.planFor(&sub); ok {
		m.applyPlan(l, plan)
		l.BillingInterval = interval
	}
	m.linkSubscription(l, sub.ID, sub.startedAt(ev))
	if sub.Customer != "" {
		l.SetCustomerRef(sub.Customer)
	}
	l.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	return Outcome{}, m.save(ctx, tx, l, ev)
}

func (m *StateMachine) subscriptionDeleted(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return Outcome{}, err
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: sub.ID, userID: parseUserID(sub.Metadata["user_id"]), customerRef: sub.Customer})
	if err != nil {
		return Outcome{}, err
	}
	current := l.SubscriptionRef()
	if current != "" && current != sub.ID {
		return ignore("deletion of superseded subscription %s (current %s)", sub.ID, current)
	}
	if current == "" && (l.IsCanceled() || !entitlements.IsPaid(entitlements.Plan(l.PlanID))) {
		return ignore("no linked subscription for user %d", l.UserID)
	}

	return m.cancel(ctx, tx, l, ev)
}

func (m *StateMachine) paymentSucceeded(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var inv invoiceObject
	if err := decode(ev, &inv); err != nil {
		return Outcome{}, err
	}

	subRef := inv.SubscriptionRef()
	if subRef == "" {
		return ignore("invoice %s is not tied to a subscription", inv.ID)
	}
	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: subRef, customerRef: inv.Customer})
	if err != nil {
		return Outcome{}, err
	}
	if l.SubscriptionRef() != subRef {
		return ignore("invoice %s belongs to subscription %s, ledger tracks %q", inv.ID, subRef, l.SubscriptionRef())
	}
	if !CanTransition(l.Status, models.LedgerStatusActive, ev.Type) {
		return ignore("transition %s -> active not allowed", l.Status)
	}

	m.setStatus(l, models.LedgerStatusActive, ev.ProviderTimestamp)
	// invoice.paid and invoice.payment_succeeded both arrive for one invoice.
	if inv.BillingReason == "subscription_cycle" && l.LastCycleInvoiceRef != inv.ID {
		m.resetUsage(l)
		l.LastCycleInvoiceRef = inv.ID
	}
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}

	return Outcome{Notifications: []Notification{{
		UserID:      l.UserID,
		Category:    NotifyPaymentSucceeded,
		AmountCents: inv.AmountPaid,
		Currency:    inv.Currency,
		Plan:        l.PlanID,
	}}}, nil
}

func (m *StateMachine) paymentFailed(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var inv invoiceObject
	if err := decode(ev, &inv); err != nil {
		return Outcome{}, err
	}

	subRef := inv.SubscriptionRef()
	if subRef == "" {
		return ignore("invoice %s is not tied to a subscription", inv.ID)
	}
	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: subRef, customerRef: inv.Customer})
	if err != nil {
		return Outcome{}, err
	}
	if l.SubscriptionRef() != subRef {
		return ignore("invoice %s belongs to subscription %s, ledger tracks %q", inv.ID, subRef, l.SubscriptionRef())
	}
	if !CanTransition(l.Status, models.LedgerStatusPastDue, ev.Type) {
		return ignore("transition %s -> past_due not allowed", l.Status)
	}

	// The grace clock starts with the first failure only.
	m.setStatus(l, models.LedgerStatusPastDue, ev.ProviderTimestamp)
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}

	return Outcome{Notifications: []Notification{{
		UserID:      l.UserID,
		Category:    NotifyPaymentFailed,
		AmountCents: inv.AmountDue,
		Currency:    inv.Currency,
		Plan:        l.PlanID,
		URL:         inv.HostedInvoiceURL,
	}}}, nil
}

func (m *StateMachine) paymentActionRequired(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var inv invoiceObject
	if err := decode(ev, &inv); err != nil {
		return Outcome{}, err
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{subscriptionRef: inv.SubscriptionRef(), customerRef: inv.Customer})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Notifications: []Notification{{
		UserID:      l.UserID,
		Category:    NotifyPaymentActionRequired,
		AmountCents: inv.AmountDue,
		Currency:    inv.Currency,
		Plan:        l.PlanID,
		URL:         inv.HostedInvoiceURL,
	}}}, nil
}

func (m *StateMachine) disputeCreated(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var d disputeObject
	if err := decode(ev, &d); err != nil {
		return Outcome{}, err
	}

	customer := firstNonEmpty(d.Customer, ev.CustomerRef)
	if customer == "" {
		return Outcome{}, fmt.Errorf("dispute %s: customer for charge %s could not be resolved", d.ID, d.Charge)
	}
	l, err := m.resolveLedger(ctx, tx, ledgerKeys{customerRef: customer})
	if err != nil {
		return Outcome{}, err
	}

	previousPlan := l.PlanID
	// Chargebacks skip the grace period entirely.
	m.cancelToFree(l, ev.ProviderTimestamp)
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}

	return Outcome{Notifications: []Notification{{
		UserID:      l.UserID,
		Category:    NotifyPaymentDisputed,
		AmountCents: d.Amount,
		Currency:    d.Currency,
		Plan:        previousPlan,
	}}}, nil
}

func (m *StateMachine) refundIssued(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var ch chargeObject
	if err := decode(ev, &ch); err != nil {
		return Outcome{}, err
	}
	if ch.Customer == "" {
		return Outcome{}, fmt.Errorf("charge %s has no customer", ch.ID)
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{customerRef: ch.Customer})
	if err != nil {
		return Outcome{}, err
	}

	note := Notification{
		UserID:      l.UserID,
		Category:    NotifyPaymentRefunded,
		AmountCents: ch.AmountRefunded,
		Currency:    ch.Currency,
		Plan:        l.PlanID,
	}
	if !ch.FullyRefunded() {
		// Partial refunds leave status and plan untouched.
		return Outcome{Notifications: []Notification{note}}, nil
	}

	m.cancelToFree(l, ev.ProviderTimestamp)
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Notifications: []Notification{note}}, nil
}

func (m *StateMachine) customerDeleted(ctx context.Context, tx Repository, ev Event) (Outcome, error) {
	var c customerObject
	if err := decode(ev, &c); err != nil {
		return Outcome{}, err
	}

	l, err := m.resolveLedger(ctx, tx, ledgerKeys{customerRef: c.ID, userID: parseUserID(c.Metadata["user_id"])})
	if err != nil {
		return Outcome{}, err
	}

	wasCanceled := l.IsCanceled()
	previousPlan := l.PlanID
	m.cancelToFree(l, ev.ProviderTimestamp)
	l.SetCustomerRef("")
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}

	if wasCanceled {
		return Outcome{}, nil
	}
	return Outcome{Notifications: []Notification{{
		UserID:   l.UserID,
		Category: NotifySubscriptionCanceled,
		Plan:     previousPlan,
	}}}, nil
}

// cancel moves the ledger to the terminal state and notifies the user.
func (m *StateMachine) cancel(ctx context.Context, tx Repository, l *models.SubscriptionLedger, ev Event) (Outcome, error) {
	previousPlan := l.PlanID
	m.cancelToFree(l, ev.ProviderTimestamp)
	if err := m.save(ctx, tx, l, ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Notifications: []Notification{{
		UserID:   l.UserID,
		Category: NotifySubscriptionCanceled,
		Plan:     previousPlan,
	}}}, nil
}

type ledgerKeys struct {
	subscriptionRef string
	userID          uint
	customerRef     string
}

// resolveLedger tries the subscription ref, then the user, then the customer.
func (m *StateMachine) resolveLedger(ctx context.Context, tx Repository, k ledgerKeys) (*models.SubscriptionLedger, error) {
	lookups := make([]func() (*models.SubscriptionLedger, error), 0, 3)
	if ref := strings.TrimSpace(k.subscriptionRef); ref != "" {
		lookups = append(lookups, func() (*models.SubscriptionLedger, error) { return tx.FindLedgerBySubscriptionRef(ctx, ref) })
	}
	if k.userID != 0 {
		lookups = append(lookups, func() (*models.SubscriptionLedger, error) { return tx.FindLedgerByUser(ctx, k.userID) })
	}
	if ref := strings.TrimSpace(k.customerRef); ref != "" {
		lookups = append(lookups, func() (*models.SubscriptionLedger, error) { return tx.FindLedgerByCustomerRef(ctx, ref) })
	}

	for _, lookup := range lookups {
		l, err := lookup()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLedgerNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (subscription=%q user=%d customer=%q)", ErrLedgerNotFound, k.subscriptionRef, k.userID, k.customerRef)
}

func (m *StateMachine) createLedger(ctx context.Context, tx Repository, userID uint) (*models.SubscriptionLedger, error) {
	l := NewFreeLedger(m.catalog, userID, m.now())
	if _, err := tx.CreateLedger(ctx, l); err != nil {
		return nil, err
	}
	return tx.FindLedgerByUser(ctx, userID)
}

// planFor resolves the plan of a subscription from its price, falling back
// to the plan recorded in the subscription metadata.
func (m *StateMachine) planFor(sub *subscriptionObject) (entitlements.Plan, string, bool) {
	priceID, interval := sub.FirstPrice()
	if plan, iv, ok := m.catalog.PlanForPrice(priceID); ok {
		return plan, iv, true
	}
	if raw := sub.Metadata["plan_id"]; entitlements.IsKnown(raw) {
		return entitlements.Normalize(raw), entitlements.NormalizeInterval(interval), true
	}
	return "", "", false
}

func (m *StateMachine) setStatus(l *models.SubscriptionLedger, status string, ts int64) {
	if l.Status == status {
		return
	}
	l.Status = status
	l.StatusChangedAt = m.eventTime(ts)
}

// confirmStatus handles an update that reports the status the ledger already
// has. Unless the provider says the status field did not change, the update
// is a status change the ledger saw out of order, so the clock moves forward
// to the event time.
func (m *StateMachine) confirmStatus(l *models.SubscriptionLedger, ev Event) {
	if ev.StatusReportedUnchanged() {
		return
	}
	if at := m.eventTime(ev.ProviderTimestamp); at.After(l.StatusChangedAt) {
		l.StatusChangedAt = at
	}
}

// linkSubscription records ref as the ledger's subscription. The start time
// only moves when a different subscription is linked. ts is unix seconds.
func (m *StateMachine) linkSubscription(l *models.SubscriptionLedger, ref string, ts int64) {
	if l.SubscriptionRef() != ref || l.SubscriptionStartedAt == nil {
		at := m.eventTime(ts)
		l.SubscriptionStartedAt = &at
	}
	l.SetSubscriptionRef(ref)
}

// applyPlan sets plan limits and clamps usage overflow left by a downgrade.
func (m *StateMachine) applyPlan(l *models.SubscriptionLedger, plan entitlements.Plan) {
	e := m.catalog.Lookup(plan)
	l.PlanID = string(e.Plan)
	l.QuotaLimit = e.QuotaLimit
	l.ResourceLimit = e.ResourceLimit
	clampQuota(l)
}

func (m *StateMachine) cancelToFree(l *models.SubscriptionLedger, ts int64) {
	m.setStatus(l, models.LedgerStatusCanceled, ts)
	m.applyPlan(l, entitlements.PlanFree)
	l.SetSubscriptionRef("")
	l.SubscriptionStartedAt = nil
	l.CancelAtPeriodEnd = false
	l.BillingInterval = ""
}

func (m *StateMachine) resetUsage(l *models.SubscriptionLedger) {
	now := m.now().UTC()
	l.QuotaUsed = 0
	l.UsageResetAt = &now
}

func (m *StateMachine) eventTime(ts int64) time.Time {
	if ts <= 0 {
		return m.now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}

func (m *StateMachine) save(ctx context.Context, tx Repository, l *models.SubscriptionLedger, ev Event) error {
	if ev.ProviderTimestamp > l.LastEventAt {
		l.LastEventAt = ev.ProviderTimestamp
	}
	if l.QuotaUsed > l.QuotaLimit {
		return fmt.Errorf("quota invariant violated for user %d: used %d > limit %d", l.UserID, l.QuotaUsed, l.QuotaLimit)
	}
	return tx.SaveLedger(ctx, l)
}

func clampQuota(l *models.SubscriptionLedger) {
	if l.QuotaUsed > l.QuotaLimit {
		l.QuotaUsed = l.QuotaLimit
	}
	if l.QuotaUsed < 0 {
		l.QuotaUsed = 0
	}
}

// NewFreeLedger returns the signup state: active on the free tier.
func NewFreeLedger(catalog *entitlements.Catalog, userID uint, now time.Time) *models.SubscriptionLedger {
	e := catalog.Lookup(entitlements.PlanFree)
	now = now.UTC()
	return &models.SubscriptionLedger{
		UserID:          userID,
		PlanID:          string(e.Plan),
		Status:          models.LedgerStatusActive,
		QuotaLimit:      e.QuotaLimit,
		ResourceLimit:   e.ResourceLimit,
		StatusChangedAt: now,
		UsageResetAt:    &now,
	}
}

func decode(ev Event, v interface{}) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%s %s: empty payload", ev.Type, ev.ID)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%s %s: decode payload: %w", ev.Type, ev.ID, err)
	}
	return nil
}

func parseUserID(raw string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
