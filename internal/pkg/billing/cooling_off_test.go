package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

// seedSubscribedFor stores a paid ledger whose subscription started days ago
// and a successful charge for its customer.
func (e *testEngine) seedSubscribedFor(t *testing.T, userID uint, plan entitlements.Plan, used int, days int, charge ProviderCharge) *models.SubscriptionLedger {
	t.Helper()
	l := e.seedPaid(t, userID, plan, used)
	started := testNow.Add(-time.Duration(days) * 24 * time.Hour)
	l.SubscriptionStartedAt = &started
	require.NoError(t, e.repo.SaveLedger(context.Background(), l))
	e.provider.latestCharges[customerRef(userID)] = &charge
	return l
}

func TestCalculateCoolingOffRefund(t *testing.T) {
	tests := []struct {
		name       string
		plan       entitlements.Plan
		used       int
		days       int
		charge     ProviderCharge
		eligible   bool
		usage      int64
		refund     int64
		minimum    bool
		excessive  bool
		messageHas string
	}{
		{
			name: "no usage refunds everything", plan: entitlements.PlanStandard, days: 3,
			charge:   ProviderCharge{ID: "ch_1", AmountCents: 3900, Currency: "eur"},
			eligible: true, refund: 3900, messageHas: "Full refund of 39.00 EUR",
		},
		{
			name: "light usage pays the minimum", plan: entitlements.PlanStandard, used: 2, days: 14,
			charge:   ProviderCharge{ID: "ch_1", AmountCents: 3900, Currency: "eur"},
			eligible: true, usage: 1000, refund: 2900, minimum: true, messageHas: "2 generation(s)",
		},
		{
			name: "heavy usage is flagged", plan: entitlements.PlanPro, used: 12, days: 1,
			charge:   ProviderCharge{ID: "ch_1", AmountCents: 7900, Currency: "eur"},
			eligible: true, usage: 3792, refund: 4108, excessive: true, messageHas: "exceeds the testing limit",
		},
		{
			name: "earlier refunds reduce the paid amount", plan: entitlements.PlanStandard, used: 1, days: 2,
			charge:   ProviderCharge{ID: "ch_1", AmountCents: 3900, RefundedCents: 3500, Currency: "eur"},
			eligible: true, usage: 1000, refund: 0, minimum: true,
		},
		{
			name: "window closes after fourteen days", plan: entitlements.PlanStandard, days: 15,
			charge:     ProviderCharge{ID: "ch_1", AmountCents: 3900},
			messageHas: "Outside the 14-day cooling-off period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			e.seedSubscribedFor(t, 1, tt.plan, tt.used, tt.days, tt.charge)
			s := newTestService(e, nil)

			q, err := s.CalculateCoolingOffRefund(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, q.Eligible)
			assert.Equal(t, tt.days, q.DaysSinceStart)
			assert.Equal(t, tt.usage, q.UsageChargeCents)
			assert.Equal(t, tt.refund, q.RefundCents)
			assert.Equal(t, tt.minimum, q.MinimumApplied)
			assert.Equal(t, tt.excessive, q.ExcessiveUsage)
			assert.Contains(t, q.Message, tt.messageHas)
		})
	}
}

func TestCalculateCoolingOffRefundWithoutSubscription(t *testing.T) {
	e := newTestEngine(t)
	e.seedLedger(t, 2, nil)
	s := newTestService(e, nil)

	_, err := s.CalculateCoolingOffRefund(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNoSubscription)
	_, err = s.CalculateCoolingOffRefund(context.Background(), 404)
	assert.ErrorIs(t, err, ErrLedgerNotFound)
}

func TestCancelWithCoolingOffRefund(t *testing.T) {
	e := newTestEngine(t)
	e.seedSubscribedFor(t, 3, entitlements.PlanStandard, 2, 5, ProviderCharge{ID: "ch_3", AmountCents: 3900, Currency: "eur"})
	s := newTestService(e, nil)

	res, err := s.CancelWithCoolingOffRefund(context.Background(), CoolingOffInput{UserID: 3, Reason: "changed my mind", AcknowledgeUsageCharge: true})
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.True(t, res.Refunded)
	assert.Equal(t, "re_1", res.RefundID)
	assert.Equal(t, int64(2900), res.RefundCents)
	assert.Equal(t, int64(1000), res.UsageChargeCents)

	require.Len(t, e.provider.refunds, 1)
	refund := e.provider.refunds[0]
	assert.Equal(t, "ch_3", refund.ChargeRef)
	assert.Equal(t, int64(2900), refund.AmountCents)
	assert.Equal(t, "cooling-off:sub_3", refund.IdempotencyKey)
	assert.Equal(t, "true", refund.Metadata["cooling_off_period"])
	assert.Equal(t, "2", refund.Metadata["generations_used"])
	assert.Equal(t, []string{"sub_3"}, e.provider.canceled)

	l := e.ledger(t, 3)
	assert.Equal(t, models.LedgerStatusCanceled, l.Status)
	assert.Equal(t, string(entitlements.PlanFree), l.PlanID)
	assert.Empty(t, l.SubscriptionRef())
	assert.Nil(t, l.SubscriptionStartedAt)
	assert.Equal(t, "cus_3", l.CustomerRef())
	assert.Equal(t, []NotificationCategory{NotifySubscriptionCanceled}, e.notes.categories())

	stored, err := e.repo.GetEvent(context.Background(), "cooling-off:sub_3")
	require.NoError(t, err)
	assert.Equal(t, string(EventSubscriptionDeleted), stored.EventType)

	// The provider's own deletion notice arrives afterwards and changes nothing.
	late := e.process(t, event(t, "evt_del_3", "customer.subscription.deleted", testNow.Unix()+5,
		subscriptionPayload("sub_3", "cus_3", "canceled", priceStandardMonthly, 3)))
	assert.Equal(t, ResultIgnored, late.Kind)
	assert.Len(t, e.notes.categories(), 1)
}

func TestCancelWithCoolingOffRefundNothingDue(t *testing.T) {
	e := newTestEngine(t)
	e.seedSubscribedFor(t, 4, entitlements.PlanStarter, 3, 1, ProviderCharge{ID: "ch_4", AmountCents: 1900, RefundedCents: 1000, Currency: "eur"})
	s := newTestService(e, nil)

	res, err := s.CancelWithCoolingOffRefund(context.Background(), CoolingOffInput{UserID: 4, AcknowledgeUsageCharge: true})
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.False(t, res.Refunded)
	assert.Contains(t, res.Message, "No refund due")
	assert.Empty(t, e.provider.refunds)
	assert.Equal(t, []string{"sub_4"}, e.provider.canceled)
	assert.Equal(t, models.LedgerStatusCanceled, e.ledger(t, 4).Status)
}

func TestCancelWithCoolingOffRefundRejections(t *testing.T) {
	t.Run("outside the window", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedSubscribedFor(t, 5, entitlements.PlanStandard, 0, 30, ProviderCharge{ID: "ch_5", AmountCents: 3900})
		s := newTestService(e, nil)

		_, err := s.CancelWithCoolingOffRefund(context.Background(), CoolingOffInput{UserID: 5, AcknowledgeUsageCharge: true})
		assert.ErrorIs(t, err, ErrOutsideCoolingOff)
		assert.Empty(t, e.provider.canceled)
		assert.Equal(t, models.LedgerStatusActive, e.ledger(t, 5).Status)
	})

	t.Run("usage charge not acknowledged", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedSubscribedFor(t, 6, entitlements.PlanStandard, 1, 2, ProviderCharge{ID: "ch_6", AmountCents: 3900})
		s := newTestService(e, nil)

		_, err := s.CancelWithCoolingOffRefund(context.Background(), CoolingOffInput{UserID: 6})
		assert.ErrorIs(t, err, ErrInvalidRefund)
		assert.Empty(t, e.provider.refunds)
		assert.Empty(t, e.provider.canceled)
	})

	t.Run("free plan", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedLedger(t, 7, nil)
		s := newTestService(e, nil)

		_, err := s.CancelWithCoolingOffRefund(context.Background(), CoolingOffInput{UserID: 7, AcknowledgeUsageCharge: true})
		assert.ErrorIs(t, err, ErrNoSubscription)
	})
}

func TestCloseSubscription(t *testing.T) {
	t.Run("provider failure does not block the local cancel", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedPaid(t, 8, entitlements.PlanPro, 4)
		e.provider.cancelErr = errors.New("stripe unavailable")
		s := newTestService(e, nil)

		require.NoError(t, s.CloseSubscription(context.Background(), 8))
		l := e.ledger(t, 8)
		assert.Equal(t, models.LedgerStatusCanceled, l.Status)
		assert.Equal(t, string(entitlements.PlanFree), l.PlanID)
		assert.Empty(t, l.SubscriptionRef())
	})

	t.Run("provider subscription is canceled", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedPaid(t, 9, entitlements.PlanStarter, 0)
		s := newTestService(e, nil)

		require.NoError(t, s.CloseSubscription(context.Background(), 9))
		assert.Equal(t, []string{"sub_9"}, e.provider.canceled)
		assert.Equal(t, models.LedgerStatusCanceled, e.ledger(t, 9).Status)
	})

	t.Run("nothing to close", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedLedger(t, 10, nil)
		s := newTestService(e, nil)

		require.NoError(t, s.CloseSubscription(context.Background(), 10))
		require.NoError(t, s.CloseSubscription(context.Background(), 404))
		assert.Empty(t, e.provider.canceled)
		assert.Empty(t, e.repo.Events())
		assert.Equal(t, models.LedgerStatusActive, e.ledger(t, 10).Status)
	})
}
