package billing

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrDuplicateEvent     = errors.New("event already recorded")
	ErrLedgerNotFound     = errors.New("subscription ledger not found")
	ErrQuotaExhausted     = errors.New("quota exhausted")
	ErrCheckoutThrottled  = errors.New("checkout already in progress")
	ErrStoreUnavailable   = errors.New("billing store unavailable")
	ErrInvalidCheckout    = errors.New("invalid checkout request")
	ErrNoProvider         = errors.New("payment provider not configured")
	ErrNoCustomer         = errors.New("no billing customer")
	ErrNoSubscription     = errors.New("no active subscription")
	ErrOutsideCoolingOff  = errors.New("cooling-off period has ended")
	ErrInvalidRefund      = errors.New("invalid refund request")
	ErrEventNotFound      = errors.New("event not found")
	ErrEventNotReplayable = errors.New("event is not in a failed state")
)

// EventType is the provider-neutral classification of an inbound event.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout-completed"
	EventSubscriptionCreated   EventType = "subscription-created"
	EventSubscriptionUpdated   EventType = "subscription-updated"
	EventSubscriptionDeleted   EventType = "subscription-deleted"
	EventPaymentSucceeded      EventType = "payment-succeeded"
	EventPaymentFailed         EventType = "payment-failed"
	EventPaymentActionRequired EventType = "payment-action-required"
	EventDisputeCreated        EventType = "dispute-created"
	EventRefundIssued          EventType = "refund-issued"
	EventCustomerDeleted       EventType = "customer-deleted"
)

var providerEventTypes = map[string]EventType{
	"checkout.session.completed":      EventCheckoutCompleted,
	"customer.subscription.created":   EventSubscriptionCreated,
	"customer.subscription.updated":   EventSubscriptionUpdated,
	"customer.subscription.deleted":   EventSubscriptionDeleted,
	"invoice.payment_succeeded":       EventPaymentSucceeded,
	"invoice.paid":                    EventPaymentSucceeded,
	"invoice.payment_failed":          EventPaymentFailed,
	"invoice.payment_action_required": EventPaymentActionRequired,
	"charge.dispute.created":          EventDisputeCreated,
	"charge.refunded":                 EventRefundIssued,
	"customer.deleted":                EventCustomerDeleted,
}

// ClassifyType maps a provider event type. ok is false for types the engine
// does not handle.
func ClassifyType(providerType string) (EventType, bool) {
	t, ok := providerEventTypes[strings.TrimSpace(providerType)]
	return t, ok
}

func isKnownType(t EventType) bool {
	for _, known := range providerEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// RawEvent is a notification whose authenticity has been verified.
type RawEvent struct {
	ID                 string
	Type               string
	Created            int64
	Object             json.RawMessage
	PreviousAttributes map[string]interface{}
}

// Event is a verified and classified notification ready for dispatch.
type Event struct {
	ID                string
	Type              EventType
	ProviderType      string
	ProviderTimestamp int64
	EntityRef         string
	// CustomerRef is set when the customer had to be resolved out of band,
	// e.g. for disputes that only carry a charge reference.
	CustomerRef string
	Known       bool
	Payload     json.RawMessage
	// PreviousAttributes holds the fields an update changed, keyed by name.
	// nil means the provider did not say.
	PreviousAttributes map[string]interface{}
}

// StatusReportedUnchanged is true when the provider listed the changed
// fields of an update and the status was not among them.
func (e Event) StatusReportedUnchanged() bool {
	if e.PreviousAttributes == nil {
		return false
	}
	_, changed := e.PreviousAttributes["status"]
	return !changed
}

// StoredType is the event_type value persisted for the event.
func (e Event) StoredType() string {
	if e.Known {
		return string(e.Type)
	}
	return e.ProviderType
}

type ResultKind string

const (
	ResultApplied          ResultKind = "applied"
	ResultSkippedDuplicate ResultKind = "skipped_duplicate"
	ResultSkippedStale     ResultKind = "skipped_stale"
	ResultFailed           ResultKind = "failed"
	ResultIgnored          ResultKind = "ignored"
)

// HandlerResult is the tagged outcome of processing one event.
type HandlerResult struct {
	Kind   ResultKind `json:"result"`
	Detail string     `json:"detail,omitempty"`
}

func (r HandlerResult) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Detail
}

// Provider object shapes. Only the fields the state machine reads are mapped.

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	StartDate         int64  `json:"start_date"`
	Items             struct {
		Data []subscriptionItemObject `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// startedAt is the subscription's own start, or the event time when the
// object does not carry one.
func (s *subscriptionObject) startedAt(ev Event) int64 {
	if s.StartDate > 0 {
		return s.StartDate
	}
	return ev.ProviderTimestamp
}

type subscriptionItemObject struct {
	Price struct {
		ID        string `json:"id"`
		Recurring *struct {
			Interval string `json:"interval"`
		} `json:"recurring,omitempty"`
	} `json:"price"`
}

// FirstPrice returns the price ID and interval of the first subscription item.
func (s *subscriptionObject) FirstPrice() (string, string) {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			interval := ""
			if item.Price.Recurring != nil {
				interval = item.Price.Recurring.Interval
			}
			return id, interval
		}
	}
	return "", ""
}

type invoiceObject struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Subscription     string `json:"subscription"`
	AmountPaid       int64  `json:"amount_paid"`
	AmountDue        int64  `json:"amount_due"`
	Currency         string `json:"currency"`
	BillingReason    string `json:"billing_reason"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent,omitempty"`
}

// SubscriptionRef handles both the legacy top-level field and the newer
// parent.subscription_details location.
func (i *invoiceObject) SubscriptionRef() string {
	if ref := strings.TrimSpace(i.Subscription); ref != "" {
		return ref
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type chargeObject struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
	Currency       string `json:"currency"`
}

// FullyRefunded treats the charge as fully refunded when the provider says so
// or the refunded amount covers the charge.
func (c *chargeObject) FullyRefunded() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

type disputeObject struct {
	ID       string `json:"id"`
	Charge   string `json:"charge"`
	Customer string `json:"customer"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

type customerObject struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}
