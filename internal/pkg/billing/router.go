package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
	"github.com/ManuelReschke/LLMReady/internal/pkg/metrics"
)

// SignatureVerifier checks a notification's authenticity and decodes its
// envelope. Errors wrap ErrInvalidSignature or ErrMalformedEvent.
type SignatureVerifier interface {
	Verify(payload []byte, signatureHeader string) (RawEvent, error)
}

// ChargeResolver looks up the customer behind a charge. Disputes only carry
// the charge reference.
type ChargeResolver interface {
	ChargeCustomer(ctx context.Context, chargeRef string) (string, error)
}

// Router validates inbound notifications, consults the idempotency store and
// dispatches to the state machine inside one transaction.
type Router struct {
	repo     Repository
	machine  *StateMachine
	verifier SignatureVerifier
	charges  ChargeResolver
	notifier Notifier
	now      func() time.Time
}

// NewRouter wires the event path. charges and notifier may be nil.
func NewRouter(repo Repository, catalog *entitlements.Catalog, verifier SignatureVerifier, charges ChargeResolver, notifier Notifier) *Router {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Router{
		repo:     repo,
		machine:  NewStateMachine(catalog),
		verifier: verifier,
		charges:  charges,
		notifier: notifier,
		now:      time.Now,
	}
}

// Handle verifies, classifies and processes one raw notification. A non-nil
// error means the notification was not durably recorded: either it failed
// verification (ErrInvalidSignature, ErrMalformedEvent) or the store is
// unavailable (ErrStoreUnavailable).
func (r *Router) Handle(ctx context.Context, payload []byte, signatureHeader string) (HandlerResult, error) {
	if r.verifier == nil {
		return HandlerResult{}, fmt.Errorf("%w: no verifier configured", ErrInvalidSignature)
	}
	raw, err := r.verifier.Verify(payload, signatureHeader)
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return HandlerResult{}, err
	}

	ev, err := Classify(raw)
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues("malformed").Inc()
		return HandlerResult{}, err
	}
	r.resolveDisputeCustomer(ctx, &ev)

	return r.Process(ctx, ev)
}

// Process runs an already verified event through the idempotency store and
// the state machine. It is shared by the webhook path and the reconciler.
func (r *Router) Process(ctx context.Context, ev Event) (HandlerResult, error) {
	start := time.Now()
	var (
		result HandlerResult
		notes  []Notification
	)

	err := r.repo.Transaction(ctx, func(tx Repository) error {
		seen, err := tx.HasProcessed(ctx, ev.ID)
		if err != nil {
			return err
		}
		if seen {
			result = HandlerResult{Kind: ResultSkippedDuplicate}
			return nil
		}

		if ev.Known && ev.EntityRef != "" {
			stale, err := tx.IsStale(ctx, ev.StoredType(), ev.EntityRef, ev.ProviderTimestamp)
			if err != nil {
				return err
			}
			if stale {
				result = HandlerResult{Kind: ResultSkippedStale}
				return r.record(ctx, tx, ev, models.EventResultSkippedStale, "")
			}
		}

		out, err := r.machine.Apply(ctx, tx, ev)
		if err != nil {
			return &handlerFault{err: err}
		}

		kind, stored := ResultApplied, models.EventResultApplied
		if out.Ignored {
			kind, stored = ResultIgnored, models.EventResultIgnored
		}
		if err := r.record(ctx, tx, ev, stored, out.Reason); err != nil {
			return err
		}
		result = HandlerResult{Kind: kind, Detail: out.Reason}
		notes = out.Notifications
		return nil
	})

	var fault *handlerFault
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateEvent):
		// A concurrent delivery of the same event committed first.
		result = HandlerResult{Kind: ResultSkippedDuplicate}
	case errors.As(err, &fault):
		result = r.fail(ctx, ev, fault.err.Error())
		if result.Kind == "" {
			return HandlerResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	default:
		log.Errorf("[Router] Event %s (%s) transaction failed: %v", ev.ID, ev.StoredType(), err)
		result = r.fail(ctx, ev, err.Error())
		if result.Kind == "" {
			return HandlerResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.StoredType(), string(result.Kind)).Inc()
	metrics.WebhookDuration.WithLabelValues(ev.StoredType()).Observe(time.Since(start).Seconds())

	for _, n := range notes {
		r.notifier.Notify(ctx, n)
	}
	return result, nil
}

// fail persists a failed outcome in its own transaction. An empty result
// means the store could not be written.
func (r *Router) fail(ctx context.Context, ev Event, detail string) HandlerResult {
	log.Errorf("[Router] Event %s (%s) failed: %s", ev.ID, ev.StoredType(), detail)

	rec := r.failedRecord(ev, detail)

	// The failure is written even when the request context already expired.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.repo.MarkEventFailed(writeCtx, rec); err != nil {
		log.Errorf("[Router] Failed to record failure of event %s: %v", ev.ID, err)
		return HandlerResult{}
	}
	return HandlerResult{Kind: ResultFailed, Detail: detail}
}

// failedRecord keeps the payload so the event can be replayed later.
func (r *Router) failedRecord(ev Event, detail string) *models.ProcessedEvent {
	rec := r.newRecord(ev, models.EventResultFailed, detail)
	rec.Outcome = models.EventOutcomeFailed
	rec.Payload = ev.Payload
	return rec
}

func (r *Router) record(ctx context.Context, tx Repository, ev Event, result, detail string) error {
	rec := r.newRecord(ev, result, detail)
	if result != models.EventResultIgnored {
		rec.ErrorDetail = nil
	}
	return tx.RecordEvent(ctx, rec)
}

func (r *Router) newRecord(ev Event, result, detail string) *models.ProcessedEvent {
	rec := &models.ProcessedEvent{
		EventID:           ev.ID,
		EventType:         ev.StoredType(),
		EntityRef:         ev.EntityRef,
		ProviderTimestamp: ev.ProviderTimestamp,
		Outcome:           models.EventOutcomeProcessed,
		Result:            result,
		ProcessedAt:       r.now().UTC(),
	}
	if detail != "" {
		d := truncate(detail, 2000)
		rec.ErrorDetail = &d
	}
	return rec
}

// Replay runs a failed event through the state machine again from its
// stored payload. It returns ErrEventNotFound for unknown IDs and
// ErrEventNotReplayable for events that did not fail. A replay that fails
// again leaves the row failed with the new detail.
func (r *Router) Replay(ctx context.Context, eventID string) (HandlerResult, error) {
	row, err := r.repo.GetEvent(ctx, eventID)
	if err != nil {
		return HandlerResult{}, err
	}
	if !row.Failed() {
		return HandlerResult{}, fmt.Errorf("%w: %s has outcome %s", ErrEventNotReplayable, eventID, row.Outcome)
	}
	if len(row.Payload) == 0 {
		return HandlerResult{}, fmt.Errorf("%w: %s has no stored payload", ErrEventNotReplayable, eventID)
	}

	ev := Event{
		ID:                row.EventID,
		Type:              EventType(row.EventType),
		ProviderType:      row.EventType,
		ProviderTimestamp: row.ProviderTimestamp,
		EntityRef:         row.EntityRef,
		Known:             isKnownType(EventType(row.EventType)),
		Payload:           row.Payload,
	}
	r.resolveDisputeCustomer(ctx, &ev)

	var (
		result HandlerResult
		notes  []Notification
	)
	err = r.repo.Transaction(ctx, func(tx Repository) error {
		current, err := tx.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !current.Failed() {
			return fmt.Errorf("%w: %s was resolved concurrently", ErrEventNotReplayable, ev.ID)
		}

		if ev.Known && ev.EntityRef != "" {
			stale, err := tx.IsStale(ctx, ev.StoredType(), ev.EntityRef, ev.ProviderTimestamp)
			if err != nil {
				return err
			}
			if stale {
				result = HandlerResult{Kind: ResultSkippedStale}
				return tx.ResolveFailedEvent(ctx, r.newRecord(ev, models.EventResultSkippedStale, ""))
			}
		}

		out, err := r.machine.Apply(ctx, tx, ev)
		if err != nil {
			return &handlerFault{err: err}
		}
		kind, stored := ResultApplied, models.EventResultApplied
		if out.Ignored {
			kind, stored = ResultIgnored, models.EventResultIgnored
		}
		rec := r.newRecord(ev, stored, out.Reason)
		if stored != models.EventResultIgnored {
			rec.ErrorDetail = nil
		}
		if err := tx.ResolveFailedEvent(ctx, rec); err != nil {
			return err
		}
		result = HandlerResult{Kind: kind, Detail: out.Reason}
		notes = out.Notifications
		return nil
	})

	var fault *handlerFault
	switch {
	case err == nil:
	case errors.As(err, &fault):
		detail := fault.err.Error()
		log.Errorf("[Router] Replay of event %s (%s) failed: %s", ev.ID, ev.StoredType(), detail)
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.repo.ResolveFailedEvent(writeCtx, r.failedRecord(ev, detail)); err != nil && !errors.Is(err, ErrEventNotReplayable) {
			return HandlerResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		result = HandlerResult{Kind: ResultFailed, Detail: detail}
	case errors.Is(err, ErrEventNotReplayable), errors.Is(err, ErrEventNotFound):
		return HandlerResult{}, err
	default:
		return HandlerResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	log.Infof("[Router] Replayed event %s (%s): %s", ev.ID, ev.StoredType(), result)
	metrics.WebhookEventsTotal.WithLabelValues(ev.StoredType(), string(result.Kind)).Inc()
	for _, n := range notes {
		r.notifier.Notify(ctx, n)
	}
	return result, nil
}

// resolveDisputeCustomer fills in the customer of a dispute before the
// transaction so the provider call never runs under the ledger lock.
func (r *Router) resolveDisputeCustomer(ctx context.Context, ev *Event) {
	if ev.Type != EventDisputeCreated || r.charges == nil {
		return
	}
	var d disputeObject
	if err := json.Unmarshal(ev.Payload, &d); err != nil || d.Customer != "" || d.Charge == "" {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	customer, err := r.charges.ChargeCustomer(lookupCtx, d.Charge)
	if err != nil {
		log.Warnf("[Router] Could not resolve customer of charge %s for dispute %s: %v", d.Charge, d.ID, err)
		return
	}
	ev.CustomerRef = customer
	ev.EntityRef = customer
}

type handlerFault struct {
	err error
}

func (f *handlerFault) Error() string { return f.err.Error() }
func (f *handlerFault) Unwrap() error { return f.err }

// Classify maps a verified envelope onto an Event and derives the entity the
// event orders against.
func Classify(raw RawEvent) (Event, error) {
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}

	ev := Event{
		ID:                 raw.ID,
		ProviderType:       raw.Type,
		ProviderTimestamp:  raw.Created,
		Payload:            raw.Object,
		PreviousAttributes: raw.PreviousAttributes,
	}
	ev.Type, ev.Known = ClassifyType(raw.Type)
	if !ev.Known {
		return ev, nil
	}
	if len(raw.Object) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data object", ErrMalformedEvent, raw.ID)
	}

	var ref struct {
		ID                string `json:"id"`
		Customer          string `json:"customer"`
		Subscription      string `json:"subscription"`
		Charge            string `json:"charge"`
		ClientReferenceID string `json:"client_reference_id"`
	}
	if err := json.Unmarshal(raw.Object, &ref); err != nil {
		return Event{}, fmt.Errorf("%w: event %s: %v", ErrMalformedEvent, raw.ID, err)
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventCustomerDeleted:
		ev.EntityRef = ref.ID
	case EventCheckoutCompleted:
		ev.EntityRef = firstNonEmpty(ref.Subscription, ref.Customer, prefixed("user:", ref.ClientReferenceID))
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentActionRequired:
		var inv invoiceObject
		_ = json.Unmarshal(raw.Object, &inv)
		ev.EntityRef = firstNonEmpty(inv.SubscriptionRef(), ref.Customer)
	case EventDisputeCreated:
		ev.EntityRef = firstNonEmpty(ref.Customer, prefixed("charge:", ref.Charge))
	case EventRefundIssued:
		ev.EntityRef = firstNonEmpty(ref.Customer, prefixed("charge:", ref.ID))
	}
	return ev, nil
}

func prefixed(prefix, v string) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	return prefix + v
}

func rejectReason(err error) string {
	if errors.Is(err, ErrInvalidSignature) {
		return "signature"
	}
	return "malformed"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
