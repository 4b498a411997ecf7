package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceChargeIter struct {
	charges []*stripe.Charge
	pos     int
	err     error
}

func (it *sliceChargeIter) Next() bool {
	if it.pos >= len(it.charges) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceChargeIter) Charge() *stripe.Charge { return it.charges[it.pos-1] }
func (it *sliceChargeIter) Err() error             { return it.err }

func newStubStripeProvider() *StripeProvider {
	return &StripeProvider{now: func() time.Time { return testNow }}
}

func TestStripeLatestChargePicksNewestSuccessfulCharge(t *testing.T) {
	p := newStubStripeProvider()
	var gotCustomer string
	p.listCharges = func(params *stripe.ChargeListParams) chargeIter {
		gotCustomer = stripe.StringValue(params.Customer)
		return &sliceChargeIter{charges: []*stripe.Charge{
			{ID: "ch_old", Paid: true, Status: stripe.ChargeStatusSucceeded, Amount: 1900, Created: 100, Currency: stripe.CurrencyEUR},
			{ID: "ch_failed", Paid: false, Status: stripe.ChargeStatusFailed, Amount: 3900, Created: 300},
			{ID: "ch_new", Paid: true, Status: stripe.ChargeStatusSucceeded, Amount: 3900, AmountRefunded: 500, Created: 200, Currency: stripe.CurrencyEUR},
		}}
	}

	ch, err := p.LatestCharge(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", gotCustomer)
	assert.Equal(t, "ch_new", ch.ID)
	assert.Equal(t, int64(3400), ch.PaidCents())
	assert.Equal(t, "eur", ch.Currency)

	p.listCharges = func(*stripe.ChargeListParams) chargeIter {
		return &sliceChargeIter{err: errors.New("rate limited")}
	}
	_, err = p.LatestCharge(context.Background(), "cus_1")
	assert.ErrorContains(t, err, "rate limited")

	p.listCharges = func(*stripe.ChargeListParams) chargeIter { return &sliceChargeIter{} }
	_, err = p.LatestCharge(context.Background(), "cus_1")
	assert.ErrorContains(t, err, "no successful charge")
}

func TestStripeRefundCharge(t *testing.T) {
	p := newStubStripeProvider()
	var got *stripe.RefundParams
	p.newRefund = func(params *stripe.RefundParams) (*stripe.Refund, error) {
		got = params
		return &stripe.Refund{ID: "re_1"}, nil
	}

	id, err := p.RefundCharge(context.Background(), RefundRequest{
		ChargeRef:      "ch_1",
		AmountCents:    2900,
		Metadata:       map[string]string{"cooling_off_period": "true"},
		IdempotencyKey: "cooling-off:sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
	require.NotNil(t, got)
	assert.Equal(t, "ch_1", stripe.StringValue(got.Charge))
	assert.Equal(t, int64(2900), stripe.Int64Value(got.Amount))
	assert.Equal(t, string(stripe.RefundReasonRequestedByCustomer), stripe.StringValue(got.Reason))
	assert.Equal(t, "true", got.Metadata["cooling_off_period"])
	assert.Equal(t, "cooling-off:sub_1", stripe.StringValue(got.IdempotencyKey))

	_, err = p.RefundCharge(context.Background(), RefundRequest{ChargeRef: "ch_1"})
	assert.Error(t, err)
}

func TestStripeCancelSubscription(t *testing.T) {
	p := newStubStripeProvider()
	var canceled []string
	p.cancelSubscription = func(id string, _ *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
		canceled = append(canceled, id)
		return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
	}

	require.NoError(t, p.CancelSubscription(context.Background(), " sub_1 "))
	assert.Equal(t, []string{"sub_1"}, canceled)
	assert.Error(t, p.CancelSubscription(context.Background(), ""))
}

func TestStripeChangeSubscriptionPriceProration(t *testing.T) {
	tests := []struct {
		name      string
		immediate bool
		proration string
	}{
		{name: "upgrade invoices at once", immediate: true, proration: "always_invoice"},
		{name: "downgrade waits for renewal", immediate: false, proration: "create_prorations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newStubStripeProvider()
			p.getSubscription = func(id string, _ *stripe.SubscriptionParams) (*stripe.Subscription, error) {
				return &stripe.Subscription{ID: id, Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{{ID: "si_1"}},
				}}, nil
			}
			var got *stripe.SubscriptionParams
			p.updateSubscription = func(_ string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
				got = params
				return &stripe.Subscription{}, nil
			}

			err := p.ChangeSubscriptionPrice(context.Background(), PriceChange{
				SubscriptionRef: "sub_1",
				PriceID:         "price_pro_monthly",
				Immediate:       tt.immediate,
			})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.proration, stripe.StringValue(got.ProrationBehavior))
			require.Len(t, got.Items, 1)
			assert.Equal(t, "si_1", stripe.StringValue(got.Items[0].ID))
			assert.Equal(t, "price_pro_monthly", stripe.StringValue(got.Items[0].Price))
		})
	}
}
