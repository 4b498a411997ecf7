package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

// CheckoutGuard throttles checkout initiation per user.
type CheckoutGuard interface {
	TryAcquire(ctx context.Context, userID uint) bool
}

// CheckoutInput is a user's request to buy or switch to a paid plan.
type CheckoutInput struct {
	UserID   uint   `json:"user_id" validate:"required,gt=0"`
	Email    string `json:"email" validate:"omitempty,email"`
	Plan     string `json:"plan" validate:"required,oneof=starter standard pro"`
	Interval string `json:"interval" validate:"omitempty,oneof=month year monthly yearly"`
}

// Service exposes the ledger to the rest of the application: signup, quota
// checks for the generation subsystem, checkout and the customer portal.
type Service struct {
	repo     Repository
	catalog  *entitlements.Catalog
	provider Provider
	guard    CheckoutGuard
	router   *Router
	cfg      Config
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates the billing service. provider and guard may be nil when
// checkout is not configured.
func NewService(repo Repository, catalog *entitlements.Catalog, provider Provider, guard CheckoutGuard, cfg Config) *Service {
	if catalog == nil {
		catalog = entitlements.NewCatalog(nil)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		provider: provider,
		guard:    guard,
		cfg:      cfg,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithRouter lets the service push locally initiated cancellations through
// the same path as provider events.
func (s *Service) WithRouter(r *Router) *Service {
	s.router = r
	return s
}

// LedgerStatus is a ledger together with the access decisions derived from
// it at a point in time.
type LedgerStatus struct {
	*models.SubscriptionLedger
	CanConsume  bool       `json:"can_consume"`
	GraceEndsAt *time.Time `json:"grace_ends_at,omitempty"`
}

// OpenLedger creates the free-tier ledger of a new user. Calling it again
// returns the existing row.
func (s *Service) OpenLedger(ctx context.Context, userID uint) (*models.SubscriptionLedger, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	l := NewFreeLedger(s.catalog, userID, s.now())
	created, err := s.repo.CreateLedger(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("open ledger for user %d: %w", userID, err)
	}
	if created {
		log.Infof("[Billing] Opened free-tier ledger for user %d", userID)
	}
	return l, nil
}

// LedgerStatus returns the ledger of a user with its current access state.
func (s *Service) LedgerStatus(ctx context.Context, userID uint) (*LedgerStatus, error) {
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &LedgerStatus{
		SubscriptionLedger: l,
		CanConsume:         CanConsumeQuota(l, s.now(), s.cfg.GracePeriod),
	}
	if deadline, ok := GraceDeadline(l, s.cfg.GracePeriod); ok {
		out.GraceEndsAt = &deadline
	}
	return out, nil
}

// CanConsumeQuota reports whether the user may start one more unit of work.
func (s *Service) CanConsumeQuota(ctx context.Context, userID uint) (bool, error) {
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if errors.Is(err, ErrLedgerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return CanConsumeQuota(l, s.now(), s.cfg.GracePeriod), nil
}

// RecordConsumption charges one unit of work against the user's quota. It
// returns ErrQuotaExhausted when the policy refuses.
func (s *Service) RecordConsumption(ctx context.Context, userID uint) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		l, err := tx.FindLedgerByUser(ctx, userID)
		if err != nil {
			return err
		}
		if !CanConsumeQuota(l, s.now(), s.cfg.GracePeriod) {
			return ErrQuotaExhausted
		}
		ok, err := tx.IncrementUsage(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQuotaExhausted
		}
		return nil
	})
}

// CanAddWebsite reports whether the user's plan allows one more website on
// top of currentCount.
func (s *Service) CanAddWebsite(ctx context.Context, userID uint, currentCount int) (bool, error) {
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if errors.Is(err, ErrLedgerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !isEntitlingStatus(l.Status) {
		return currentCount < s.catalog.Lookup(entitlements.PlanFree).ResourceLimit, nil
	}
	return currentCount < l.ResourceLimit, nil
}

// StartCheckout opens a hosted checkout for a paid plan. A user with a live
// paid subscription is switched to the new price instead; the ledger then
// follows through the provider's subscription-updated event.
func (s *Service) StartCheckout(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckout, err)
	}
	if s.provider == nil {
		return nil, ErrNoProvider
	}

	plan := entitlements.Normalize(in.Plan)
	if !entitlements.IsPaid(plan) {
		return nil, fmt.Errorf("%w: plan %q cannot be purchased", ErrInvalidCheckout, in.Plan)
	}
	interval := entitlements.NormalizeInterval(in.Interval)
	priceID, ok := s.catalog.PriceFor(plan, interval)
	if !ok {
		return nil, fmt.Errorf("%w: no price configured for %s/%s", ErrInvalidCheckout, plan, interval)
	}

	if s.guard != nil && !s.guard.TryAcquire(ctx, in.UserID) {
		return nil, ErrCheckoutThrottled
	}

	l, err := s.repo.FindLedgerByUser(ctx, in.UserID)
	if errors.Is(err, ErrLedgerNotFound) {
		l, err = s.OpenLedger(ctx, in.UserID)
	}
	if err != nil {
		return nil, err
	}

	if ref := l.SubscriptionRef(); ref != "" && entitlements.IsPaid(entitlements.Plan(l.PlanID)) && isEntitlingStatus(l.Status) {
		if l.PlanID == string(plan) && l.BillingInterval == interval {
			return nil, fmt.Errorf("%w: user %d is already on %s/%s", ErrInvalidCheckout, in.UserID, plan, interval)
		}
		metadata := map[string]string{
			"user_id":          strconv.FormatUint(uint64(in.UserID), 10),
			"plan_id":          string(plan),
			"billing_interval": interval,
		}
		change := PriceChange{
			SubscriptionRef: ref,
			PriceID:         priceID,
			Metadata:        metadata,
			Immediate:       entitlements.IsUpgrade(entitlements.Plan(l.PlanID), plan),
		}
		if err := s.provider.ChangeSubscriptionPrice(ctx, change); err != nil {
			return nil, err
		}
		log.Infof("[Billing] User %d switched subscription %s from %s to %s/%s", in.UserID, ref, l.PlanID, plan, interval)
		return &CheckoutSession{ID: ref, URL: s.returnURL("/billing?changed=1"), Changed: true}, nil
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		if u, err := s.repo.FindUser(ctx, in.UserID); err == nil {
			email = u.Email
		}
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:         in.UserID,
		Email:          email,
		CustomerRef:    l.CustomerRef(),
		PriceID:        priceID,
		Plan:           string(plan),
		Interval:       interval,
		SuccessURL:     s.returnURL("/billing?success=1&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:      s.returnURL("/billing?canceled=1"),
		IdempotencyKey: fmt.Sprintf("checkout:%d:%s:%s:%d", in.UserID, plan, interval, s.now().Unix()/60),
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Created checkout session %s for user %d (%s/%s)", session.ID, in.UserID, plan, interval)
	return session, nil
}

// PortalURL creates a customer portal session for a user with a provider
// customer.
func (s *Service) PortalURL(ctx context.Context, userID uint) (string, error) {
	if s.provider == nil {
		return "", ErrNoProvider
	}
	l, err := s.repo.FindLedgerByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	customer := l.CustomerRef()
	if customer == "" {
		return "", fmt.Errorf("%w for user %d", ErrNoCustomer, userID)
	}
	return s.provider.CreatePortalSession(ctx, customer, s.returnURL("/billing"))
}

// ResetMonthlyUsage zeroes the usage of free-tier ledgers not yet reset in
// the current calendar month. Paid plans reset on their billing cycle.
func (s *Service) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	n, err := s.repo.ResetFreeTierUsage(ctx, monthStart, now)
	if err != nil {
		return 0, fmt.Errorf("reset free-tier usage: %w", err)
	}
	if n > 0 {
		log.Infof("[Billing] Reset monthly usage of %d free-tier ledgers", n)
	}
	return n, nil
}

// FailedEvents lists the most recent events whose handler failed.
func (s *Service) FailedEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListFailedEvents(ctx, limit)
}

func (s *Service) returnURL(path string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") + path
}
