package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
	"github.com/ManuelReschke/LLMReady/internal/pkg/metrics"
)

const defaultReconcileBatchSize = 500

// EntityError records a per-subscription failure during a reconcile run.
type EntityError struct {
	UserID          uint   `json:"user_id"`
	SubscriptionRef string `json:"subscription_ref"`
	Error           string `json:"error"`
}

// ReconciliationReport summarizes one reconcile run.
type ReconciliationReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Checked    int           `json:"checked"`
	Diverged   int           `json:"diverged"`
	Applied    int           `json:"applied"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Errors     []EntityError `json:"errors,omitempty"`
}

// Reconciler re-derives ledger state from the provider for subscriptions
// whose events may have been missed. Divergent entities are fed through the
// router as synthetic subscription events so ordering and idempotency apply.
type Reconciler struct {
	repo      Repository
	router    *Router
	provider  Provider
	catalog   *entitlements.Catalog
	batchSize int
	timeout   time.Duration
	now       func() time.Time
}

// NewReconciler creates a reconciler. batchSize <= 0 uses the default.
func NewReconciler(repo Repository, router *Router, provider Provider, catalog *entitlements.Catalog, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}
	if catalog == nil {
		catalog = entitlements.NewCatalog(nil)
	}
	return &Reconciler{
		repo:      repo,
		router:    router,
		provider:  provider,
		catalog:   catalog,
		batchSize: batchSize,
		timeout:   15 * time.Second,
		now:       time.Now,
	}
}

// Reconcile walks every ledger with a live provider subscription. Entity
// failures are collected in the report and never abort the run; only a
// failure to list ledgers is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
	}
	log.Infof("[Reconciler] Run %s started", report.RunID)

	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(report, "aborted"), err
		}

		batch, err := r.repo.ListReconcilable(ctx, afterID, r.batchSize)
		if err != nil {
			return r.finish(report, "error"), fmt.Errorf("list reconcilable ledgers: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			r.reconcileOne(ctx, &batch[i], report)
		}
		afterID = batch[len(batch)-1].ID
		if len(batch) < r.batchSize {
			break
		}
	}

	return r.finish(report, "ok"), nil
}

func (r *Reconciler) finish(report *ReconciliationReport, status string) *ReconciliationReport {
	report.FinishedAt = r.now().UTC()
	metrics.ReconcileRunsTotal.WithLabelValues(status).Inc()
	log.Infof("[Reconciler] Run %s %s: checked=%d diverged=%d applied=%d skipped=%d failed=%d",
		report.RunID, status, report.Checked, report.Diverged, report.Applied, report.Skipped, report.Failed)
	return report
}

func (r *Reconciler) reconcileOne(ctx context.Context, l *models.SubscriptionLedger, report *ReconciliationReport) {
	report.Checked++
	ref := l.SubscriptionRef()

	fail := func(err error) {
		report.Failed++
		report.Errors = append(report.Errors, EntityError{UserID: l.UserID, SubscriptionRef: ref, Error: err.Error()})
		metrics.ReconcileEntitiesTotal.WithLabelValues("failed").Inc()
		log.Errorf("[Reconciler] User %d subscription %s: %v", l.UserID, ref, err)
	}

	// The provider call runs outside any transaction.
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	sub, err := r.provider.GetSubscription(fetchCtx, ref)
	cancel()
	if err != nil {
		fail(err)
		return
	}

	if !r.diverges(l, sub) {
		metrics.ReconcileEntitiesTotal.WithLabelValues("in_sync").Inc()
		return
	}
	report.Diverged++

	if sub.AsOf <= l.LastEventAt {
		report.Skipped++
		metrics.ReconcileEntitiesTotal.WithLabelValues("skipped").Inc()
		log.Infof("[Reconciler] User %d subscription %s diverges but snapshot %d is not newer than last event %d",
			l.UserID, ref, sub.AsOf, l.LastEventAt)
		return
	}

	ev, err := r.syntheticEvent(l, sub)
	if err != nil {
		fail(err)
		return
	}
	result, err := r.router.Process(ctx, ev)
	if err != nil {
		fail(err)
		return
	}

	switch result.Kind {
	case ResultApplied:
		report.Applied++
		metrics.ReconcileEntitiesTotal.WithLabelValues("applied").Inc()
		log.Infof("[Reconciler] User %d converged to provider state (status=%s price=%s)", l.UserID, sub.Status, sub.PriceID)
	case ResultFailed:
		fail(fmt.Errorf("handler failed: %s", result.Detail))
	default:
		report.Skipped++
		metrics.ReconcileEntitiesTotal.WithLabelValues("skipped").Inc()
	}
}

// diverges compares the provider's truth with the ledger on status, plan and
// pending cancellation.
func (r *Reconciler) diverges(l *models.SubscriptionLedger, sub *ProviderSubscription) bool {
	if MapProviderStatus(sub.Status) != l.Status {
		return true
	}
	if sub.CancelAtPeriodEnd != l.CancelAtPeriodEnd {
		return true
	}
	if plan, _, ok := r.catalog.PlanForPrice(sub.PriceID); ok && string(plan) != l.PlanID {
		return true
	}
	return false
}

func (r *Reconciler) syntheticEvent(l *models.SubscriptionLedger, sub *ProviderSubscription) (Event, error) {
	eventType := EventSubscriptionUpdated
	if MapProviderStatus(sub.Status) == models.LedgerStatusCanceled {
		eventType = EventSubscriptionDeleted
	}

	metadata := map[string]string{}
	for k, v := range sub.Metadata {
		metadata[k] = v
	}
	if metadata["user_id"] == "" {
		metadata["user_id"] = fmt.Sprintf("%d", l.UserID)
	}

	obj := map[string]interface{}{
		"id":                   sub.ID,
		"customer":             sub.CustomerRef,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"metadata":             metadata,
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"price": map[string]interface{}{
						"id":        sub.PriceID,
						"recurring": map[string]string{"interval": sub.Interval},
					},
				},
			},
		},
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		return Event{}, fmt.Errorf("encode synthetic event: %w", err)
	}

	// The ledger is the previous state: a matching status was not changed.
	previous := map[string]interface{}{}
	if MapProviderStatus(sub.Status) != l.Status {
		previous["status"] = l.Status
	}

	return Event{
		ID:                 fmt.Sprintf("reconcile:%s:%d", sub.ID, sub.AsOf),
		Type:               eventType,
		ProviderType:       "reconcile." + string(eventType),
		ProviderTimestamp:  sub.AsOf,
		EntityRef:          sub.ID,
		CustomerRef:        sub.CustomerRef,
		Known:              true,
		Payload:            payload,
		PreviousAttributes: previous,
	}, nil
}
