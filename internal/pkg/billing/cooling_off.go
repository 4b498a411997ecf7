package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

const (
	// CoolingOffDays is the withdrawal window for new subscriptions.
	CoolingOffDays = 14

	minimumUsageChargeCents = 1000
	maxGenerationsForRefund = 10
)

// RefundQuote is the preview of a cooling-off cancellation.
type RefundQuote struct {
	Eligible                bool   `json:"eligible"`
	DaysSinceStart          int    `json:"days_since_start"`
	TotalPaidCents          int64  `json:"total_paid_cents"`
	GenerationsUsed         int    `json:"generations_used"`
	PricePerGenerationCents int64  `json:"price_per_generation_cents"`
	UsageChargeCents        int64  `json:"usage_charge_cents"`
	MinimumApplied          bool   `json:"minimum_applied"`
	RefundCents             int64  `json:"refund_cents"`
	ExcessiveUsage          bool   `json:"is_excessive_usage"`
	Currency                string `json:"currency,omitempty"`
	Message                 string `json:"message"`

	chargeRef string
}

// CoolingOffInput is a user's request to withdraw from a new subscription.
type CoolingOffInput struct {
	UserID                 uint   `json:"user_id" validate:"required,gt=0"`
	Reason                 string `json:"reason" validate:"max=500"`
	AcknowledgeUsageCharge bool   `json:"acknowledge_usage_charge"`
}

// CancellationResult reports what a cooling-off cancellation did.
type CancellationResult struct {
	Canceled         bool   `json:"canceled"`
	Refunded         bool   `json:"refunded"`
	RefundID         string `json:"refund_id,omitempty"`
	RefundCents      int64  `json:"refund_cents"`
	UsageChargeCents int64  `json:"usage_charge_cents"`
	GenerationsUsed  int    `json:"generations_used"`
	Message          string `json:"message"`
}

// CalculateCoolingOffRefund previews the refund a user would get for
// canceling now: the last payment minus a usage charge for the generations
// consumed this period. Outside the window the quote is not eligible.
func (s *Service) CalculateCoolingOffRefund(ctx context.Context, userID uint) (*RefundQuote, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, l)
}

func (s *Service) quote(ctx context.Context, l *models.SubscriptionLedger) (*RefundQuote, error) {
	if !entitlements.IsPaid(entitlements.Plan(l.PlanID)) || l.SubscriptionRef() == "" {
		return nil, fmt.Errorf("%w for user %d", ErrNoSubscription, l.UserID)
	}
	if l.SubscriptionStartedAt == nil {
		return &RefundQuote{Message: "Subscription start is unknown. Standard cancellation applies."}, nil
	}

	days := int(s.now().Sub(*l.SubscriptionStartedAt) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	if days > CoolingOffDays {
		return &RefundQuote{
			DaysSinceStart: days,
			Message:        fmt.Sprintf("Outside the %d-day cooling-off period (%d days). Cancel at period end in the customer portal instead.", CoolingOffDays, days),
		}, nil
	}

	customer := l.CustomerRef()
	if customer == "" {
		return nil, fmt.Errorf("%w for user %d", ErrNoCustomer, l.UserID)
	}
	charge, err := s.provider.LatestCharge(ctx, customer)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve payment information: %w", err)
	}

	q := &RefundQuote{
		Eligible:                true,
		DaysSinceStart:          days,
		TotalPaidCents:          charge.PaidCents(),
		GenerationsUsed:         l.QuotaUsed,
		PricePerGenerationCents: s.catalog.Lookup(entitlements.Plan(l.PlanID)).PricePerGenerationCents(l.BillingInterval),
		ExcessiveUsage:          l.QuotaUsed > maxGenerationsForRefund,
		Currency:                charge.Currency,
		chargeRef:               charge.ID,
	}
	if q.GenerationsUsed > 0 {
		q.UsageChargeCents = q.PricePerGenerationCents * int64(q.GenerationsUsed)
		if q.UsageChargeCents <= minimumUsageChargeCents {
			q.UsageChargeCents = minimumUsageChargeCents
			q.MinimumApplied = true
		}
	}
	if q.RefundCents = q.TotalPaidCents - q.UsageChargeCents; q.RefundCents < 0 {
		q.RefundCents = 0
	}
	q.Message = refundMessage(q)
	return q, nil
}

func refundMessage(q *RefundQuote) string {
	paid := formatCents(q.TotalPaidCents, q.Currency)
	switch {
	case q.GenerationsUsed == 0:
		return fmt.Sprintf("Full refund of %s (no service usage).", paid)
	case q.ExcessiveUsage:
		return fmt.Sprintf("Refund of %s from %s paid. Usage charge of %s for %d generations (exceeds the testing limit of %d).",
			formatCents(q.RefundCents, q.Currency), paid, formatCents(q.UsageChargeCents, q.Currency), q.GenerationsUsed, maxGenerationsForRefund)
	default:
		return fmt.Sprintf("Refund of %s from %s paid. Usage charge of %s for %d generation(s) created.",
			formatCents(q.RefundCents, q.Currency), paid, formatCents(q.UsageChargeCents, q.Currency), q.GenerationsUsed)
	}
}

func formatCents(cents int64, currency string) string {
	out := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
		out += " " + c
	}
	return out
}

// CancelWithCoolingOffRefund refunds the last payment minus the usage charge
// and ends the subscription immediately. The user has to acknowledge the
// usage charge. The ledger drops to free through the event router.
func (s *Service) CancelWithCoolingOffRefund(ctx context.Context, in CoolingOffInput) (*CancellationResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefund, err)
	}
	if s.provider == nil {
		return nil, ErrNoProvider
	}

	l, err := s.repo.FindLedgerByUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	q, err := s.quote(ctx, l)
	if err != nil {
		return nil, err
	}
	if !q.Eligible {
		return nil, fmt.Errorf("%w: %s", ErrOutsideCoolingOff, q.Message)
	}
	if !in.AcknowledgeUsageCharge {
		return nil, fmt.Errorf("%w: usage charges must be acknowledged before canceling", ErrInvalidRefund)
	}

	subRef := l.SubscriptionRef()
	result := &CancellationResult{
		Canceled:         true,
		UsageChargeCents: q.UsageChargeCents,
		GenerationsUsed:  q.GenerationsUsed,
		Message:          q.Message,
	}
	if q.RefundCents > 0 {
		refundID, err := s.provider.RefundCharge(ctx, RefundRequest{
			ChargeRef:   q.chargeRef,
			AmountCents: q.RefundCents,
			Metadata: map[string]string{
				"cooling_off_period": "true",
				"user_id":            strconv.FormatUint(uint64(in.UserID), 10),
				"generations_used":   strconv.Itoa(q.GenerationsUsed),
				"usage_charge_cents": strconv.FormatInt(q.UsageChargeCents, 10),
				"days_since_start":   strconv.Itoa(q.DaysSinceStart),
				"reason":             in.Reason,
			},
			IdempotencyKey: "cooling-off:" + subRef,
		})
		if err != nil {
			return nil, err
		}
		result.Refunded = true
		result.RefundID = refundID
		result.RefundCents = q.RefundCents
		log.Infof("[Billing] Cooling-off refund %s for user %d: %d cents refunded, %d cents usage charge", refundID, in.UserID, q.RefundCents, q.UsageChargeCents)
	} else {
		result.Message = "Subscription canceled. No refund due to service usage."
		log.Infof("[Billing] No cooling-off refund due for user %d: usage charge covers the payment", in.UserID)
	}

	if err := s.provider.CancelSubscription(ctx, subRef); err != nil {
		return nil, err
	}
	if err := s.cancelLocally(ctx, l, "cooling-off:"+subRef, "cooling_off"); err != nil {
		return nil, err
	}
	return result, nil
}

// CloseSubscription ends the subscription of a user whose account is being
// deleted. A provider failure is logged and does not stop the local cancel.
func (s *Service) CloseSubscription(ctx context.Context, userID uint) error {
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if errors.Is(err, ErrLedgerNotFound) {
		log.Infof("[Billing] No ledger for user %d during account deletion", userID)
		return nil
	}
	if err != nil {
		return err
	}

	subRef := l.SubscriptionRef()
	if subRef == "" && (l.IsCanceled() || !entitlements.IsPaid(entitlements.Plan(l.PlanID))) {
		return nil
	}
	if subRef != "" && s.provider != nil {
		if err := s.provider.CancelSubscription(ctx, subRef); err != nil {
			log.Errorf("[Billing] Failed to cancel subscription %s of deleted user %d: %v", subRef, userID, err)
		} else {
			log.Infof("[Billing] Canceled subscription %s of deleted user %d", subRef, userID)
		}
	}

	id := fmt.Sprintf("account-closed:%d:%d", userID, s.now().Unix())
	return s.cancelLocally(ctx, l, id, "account_closed")
}

// cancelLocally runs a subscription-deleted event for the ledger through the
// router so idempotency, ordering and notifications match provider events.
func (s *Service) cancelLocally(ctx context.Context, l *models.SubscriptionLedger, eventID, source string) error {
	if s.router == nil {
		return errors.New("event router not configured")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":       l.SubscriptionRef(),
		"customer": l.CustomerRef(),
		"status":   "canceled",
		"metadata": map[string]string{"user_id": strconv.FormatUint(uint64(l.UserID), 10)},
	})
	if err != nil {
		return fmt.Errorf("encode local cancel event: %w", err)
	}

	res, err := s.router.Process(ctx, Event{
		ID:                eventID,
		Type:              EventSubscriptionDeleted,
		ProviderType:      source + "." + string(EventSubscriptionDeleted),
		ProviderTimestamp: s.now().Unix(),
		EntityRef:         l.SubscriptionRef(),
		CustomerRef:       l.CustomerRef(),
		Known:             true,
		Payload:           payload,
	})
	if err != nil {
		return err
	}
	if res.Kind == ResultFailed {
		return fmt.Errorf("local cancel of user %d failed: %s", l.UserID, res.Detail)
	}
	return nil
}
