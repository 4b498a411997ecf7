package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/charge"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
)

// chargeIter is the part of charge.Iter the provider reads.
type chargeIter interface {
	Next() bool
	Charge() *stripe.Charge
	Err() error
}

// StripeProvider implements Provider on top of stripe-go. The API functions
// are fields so tests can replace them.
type StripeProvider struct {
	getSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	getCharge          func(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
	listCharges        func(params *stripe.ChargeListParams) chargeIter
	newRefund          func(params *stripe.RefundParams) (*stripe.Refund, error)
	newCheckout        func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortal          func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	now                func() time.Time
}

// NewStripeProvider configures the global stripe key and returns a provider.
func NewStripeProvider(secretKey string) *StripeProvider {
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeProvider{
		getSubscription:    subscription.Get,
		updateSubscription: subscription.Update,
		cancelSubscription: subscription.Cancel,
		getCharge:          charge.Get,
		listCharges:        func(params *stripe.ChargeListParams) chargeIter { return charge.List(params) },
		newRefund:          refund.New,
		newCheckout:        checkoutsession.New,
		newPortal:          portalsession.New,
		now:                time.Now,
	}
}

func (p *StripeProvider) GetSubscription(ctx context.Context, ref string) (*ProviderSubscription, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("subscription ref is required")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.getSubscription(ref, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", ref, err)
	}
	return p.normalizeSubscription(sub), nil
}

func (p *StripeProvider) normalizeSubscription(sub *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		AsOf:              p.now().Unix(),
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil || item.Price.ID == "" {
				continue
			}
			out.PriceID = item.Price.ID
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
			break
		}
	}
	return out
}

func (p *StripeProvider) ChargeCustomer(ctx context.Context, chargeRef string) (string, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := p.getCharge(chargeRef, params)
	if err != nil {
		return "", fmt.Errorf("retrieve charge %s: %w", chargeRef, err)
	}
	if ch.Customer == nil || ch.Customer.ID == "" {
		return "", fmt.Errorf("charge %s has no customer", chargeRef)
	}
	return ch.Customer.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.UserID == 0 || strings.TrimSpace(req.PriceID) == "" {
		return nil, errors.New("user_id and price_id are required")
	}

	userID := strconv.FormatUint(uint64(req.UserID), 10)
	metadata := map[string]string{
		"user_id":          userID,
		"plan_id":          req.Plan,
		"billing_interval": req.Interval,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	s, err := p.newCheckout(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// ChangeSubscriptionPrice swaps the price of the subscription's first item.
// Immediate changes invoice the proration at once; others credit or charge it
// on the next renewal.
func (p *StripeProvider) ChangeSubscriptionPrice(ctx context.Context, change PriceChange) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := p.getSubscription(change.SubscriptionRef, getParams)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", change.SubscriptionRef, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return fmt.Errorf("subscription %s has no items", change.SubscriptionRef)
	}

	proration := "create_prorations"
	if change.Immediate {
		proration = "always_invoice"
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(change.PriceID),
			},
		},
		ProrationBehavior: stripe.String(proration),
		Metadata:          change.Metadata,
	}
	params.Context = ctx
	if _, err := p.updateSubscription(change.SubscriptionRef, params); err != nil {
		return fmt.Errorf("update subscription %s: %w", change.SubscriptionRef, err)
	}
	return nil
}

// CancelSubscription ends a subscription immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return errors.New("subscription ref is required")
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.cancelSubscription(subscriptionRef, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionRef, err)
	}
	return nil
}

// LatestCharge returns the newest successful charge of a customer.
func (p *StripeProvider) LatestCharge(ctx context.Context, customerRef string) (*ProviderCharge, error) {
	params := &stripe.ChargeListParams{Customer: stripe.String(customerRef)}
	params.Limit = stripe.Int64(10)
	params.Context = ctx

	var latest *stripe.Charge
	it := p.listCharges(params)
	for it.Next() {
		ch := it.Charge()
		if ch == nil || !ch.Paid || ch.Status != stripe.ChargeStatusSucceeded {
			continue
		}
		if latest == nil || ch.Created > latest.Created {
			latest = ch
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list charges of customer %s: %w", customerRef, err)
	}
	if latest == nil {
		return nil, fmt.Errorf("customer %s has no successful charge", customerRef)
	}
	return &ProviderCharge{
		ID:            latest.ID,
		AmountCents:   latest.Amount,
		RefundedCents: latest.AmountRefunded,
		Currency:      string(latest.Currency),
		CreatedAt:     latest.Created,
	}, nil
}

// RefundCharge issues a refund requested by the customer and returns its ID.
func (p *StripeProvider) RefundCharge(ctx context.Context, req RefundRequest) (string, error) {
	if strings.TrimSpace(req.ChargeRef) == "" || req.AmountCents <= 0 {
		return "", errors.New("charge ref and a positive amount are required")
	}
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeRef),
		Amount: stripe.Int64(req.AmountCents),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	r, err := p.newRefund(params)
	if err != nil {
		return "", fmt.Errorf("refund charge %s: %w", req.ChargeRef, err)
	}
	return r.ID, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	s, err := p.newPortal(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}
