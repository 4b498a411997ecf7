package billing

import "context"

// ProviderSubscription is the provider's current view of a subscription.
type ProviderSubscription struct {
	ID                string
	CustomerRef       string
	Status            string
	PriceID           string
	Interval          string
	CancelAtPeriodEnd bool
	Metadata          map[string]string
	// AsOf is the provider time the snapshot is valid for (unix seconds).
	AsOf int64
}

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	UserID         uint
	Email          string
	CustomerRef    string
	PriceID        string
	Plan           string
	Interval       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the provider's answer to a checkout request.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Changed is true when an existing subscription was switched to the new
	// price instead of opening a checkout page.
	Changed bool `json:"changed"`
}

// PriceChange switches a live subscription to another price. Immediate
// invoices the proration right away instead of on the next renewal.
type PriceChange struct {
	SubscriptionRef string
	PriceID         string
	Metadata        map[string]string
	Immediate       bool
}

// ProviderCharge is the most recent payment of a customer.
type ProviderCharge struct {
	ID            string
	AmountCents   int64
	RefundedCents int64
	Currency      string
	CreatedAt     int64
}

// PaidCents is what the customer still has on the charge.
func (c *ProviderCharge) PaidCents() int64 {
	if c.RefundedCents >= c.AmountCents {
		return 0
	}
	return c.AmountCents - c.RefundedCents
}

// RefundRequest is a partial or full refund of one charge.
type RefundRequest struct {
	ChargeRef      string
	AmountCents    int64
	Metadata       map[string]string
	IdempotencyKey string
}

// Provider is the outbound surface of the payment provider.
type Provider interface {
	ChargeResolver
	GetSubscription(ctx context.Context, ref string) (*ProviderSubscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ChangeSubscriptionPrice(ctx context.Context, change PriceChange) error
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	LatestCharge(ctx context.Context, customerRef string) (*ProviderCharge, error)
	RefundCharge(ctx context.Context, req RefundRequest) (string, error)
}
