package billing

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
)

type NotificationCategory string

const (
	NotifyPaymentSucceeded      NotificationCategory = "payment_succeeded"
	NotifyPaymentFailed         NotificationCategory = "payment_failed"
	NotifyPaymentDisputed       NotificationCategory = "payment_disputed"
	NotifyPaymentRefunded       NotificationCategory = "payment_refunded"
	NotifySubscriptionCanceled  NotificationCategory = "subscription_canceled"
	NotifyPaymentActionRequired NotificationCategory = "payment_action_required"
)

// Notification is a templated message keyed by user and category.
type Notification struct {
	UserID      uint                 `json:"user_id"`
	Category    NotificationCategory `json:"category"`
	AmountCents int64                `json:"amount_cents,omitempty"`
	Currency    string               `json:"currency,omitempty"`
	Plan        string               `json:"plan,omitempty"`
	URL         string               `json:"url,omitempty"`
}

// Notifier dispatches notifications. Implementations are fire-and-forget:
// failures are logged and never reported back to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier only logs. Used when no mail transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) {
	log.Infof("[Billing] notification %s for user %d (amount=%d %s plan=%s)", n.Category, n.UserID, n.AmountCents, n.Currency, n.Plan)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}
