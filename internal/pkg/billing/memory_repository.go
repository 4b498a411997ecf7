package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
)

var errMemoryStoreDown = errors.New("memory store unavailable")

type memoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	events  map[string]models.ProcessedEvent
	ledgers map[uint]*models.SubscriptionLedger
	users   map[uint]models.User
	nextID  uint
	down    bool
}

// MemoryRepository is an in-process Repository. Transactions are serialized
// and roll back by restoring a snapshot. It backs the engine tests and local
// runs without a database.
type MemoryRepository struct {
	store *memoryStore
	inTx  bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{store: &memoryStore{
		events:  map[string]models.ProcessedEvent{},
		ledgers: map[uint]*models.SubscriptionLedger{},
		users:   map[uint]models.User{},
	}}
}

// SetUnavailable makes every operation fail until reset.
func (r *MemoryRepository) SetUnavailable(down bool) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.down = down
}

// PutUser stores a user for recipient lookups.
func (r *MemoryRepository) PutUser(u models.User) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.users[u.ID] = u
}

// Events returns all recorded events ordered by provider timestamp.
func (r *MemoryRepository) Events() []models.ProcessedEvent {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]models.ProcessedEvent, 0, len(r.store.events))
	for _, ev := range r.store.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderTimestamp == out[j].ProviderTimestamp {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ProviderTimestamp < out[j].ProviderTimestamp
	})
	return out
}

func (r *MemoryRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.txMu.Lock()
	defer r.store.txMu.Unlock()

	snapshot := r.snapshot()
	if err := fn(&MemoryRepository{store: r.store, inTx: true}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	events  map[string]models.ProcessedEvent
	ledgers map[uint]*models.SubscriptionLedger
	nextID  uint
}

func (r *MemoryRepository) snapshot() memorySnapshot {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s := memorySnapshot{
		events:  make(map[string]models.ProcessedEvent, len(r.store.events)),
		ledgers: make(map[uint]*models.SubscriptionLedger, len(r.store.ledgers)),
		nextID:  r.store.nextID,
	}
	for k, v := range r.store.events {
		s.events[k] = v
	}
	for k, v := range r.store.ledgers {
		s.ledgers[k] = v.Clone()
	}
	return s
}

func (r *MemoryRepository) restore(s memorySnapshot) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.events = s.events
	r.store.ledgers = s.ledgers
	r.store.nextID = s.nextID
}

// lock acquires the data mutex or reports the store as unavailable.
func (r *MemoryRepository) lock() (func(), error) {
	r.store.mu.Lock()
	if r.store.down {
		r.store.mu.Unlock()
		return nil, errMemoryStoreDown
	}
	return r.store.mu.Unlock, nil
}

func (r *MemoryRepository) HasProcessed(_ context.Context, eventID string) (bool, error) {
	unlock, err := r.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	_, ok := r.store.events[eventID]
	return ok, nil
}

func (r *MemoryRepository) IsStale(_ context.Context, eventType, entityRef string, providerTimestamp int64) (bool, error) {
	unlock, err := r.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	for _, ev := range r.store.events {
		if ev.EventType == eventType && ev.EntityRef == entityRef &&
			ev.Outcome == models.EventOutcomeProcessed && ev.ProviderTimestamp > providerTimestamp {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) RecordEvent(_ context.Context, event *models.ProcessedEvent) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := r.store.events[event.EventID]; ok {
		return ErrDuplicateEvent
	}
	r.store.events[event.EventID] = *event
	return nil
}

func (r *MemoryRepository) MarkEventFailed(_ context.Context, event *models.ProcessedEvent) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := r.store.events[event.EventID]; !ok {
		r.store.events[event.EventID] = *event
	}
	return nil
}

func (r *MemoryRepository) GetEvent(_ context.Context, eventID string) (*models.ProcessedEvent, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	ev, ok := r.store.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

func (r *MemoryRepository) ResolveFailedEvent(_ context.Context, event *models.ProcessedEvent) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()
	current, ok := r.store.events[event.EventID]
	if !ok || current.Outcome != models.EventOutcomeFailed {
		return ErrEventNotReplayable
	}
	r.store.events[event.EventID] = *event
	return nil
}

func (r *MemoryRepository) ListFailedEvents(_ context.Context, limit int) ([]models.ProcessedEvent, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []models.ProcessedEvent
	for _, ev := range r.store.events {
		if ev.Outcome == models.EventOutcomeFailed {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) findLedger(match func(l *models.SubscriptionLedger) bool) (*models.SubscriptionLedger, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	var found *models.SubscriptionLedger
	for _, l := range r.store.ledgers {
		if match(l) && (found == nil || l.ID < found.ID) {
			found = l
		}
	}
	if found == nil {
		return nil, ErrLedgerNotFound
	}
	return found.Clone(), nil
}

func (r *MemoryRepository) FindLedgerByUser(_ context.Context, userID uint) (*models.SubscriptionLedger, error) {
	return r.findLedger(func(l *models.SubscriptionLedger) bool { return l.UserID == userID })
}

func (r *MemoryRepository) FindLedgerByCustomerRef(_ context.Context, ref string) (*models.SubscriptionLedger, error) {
	return r.findLedger(func(l *models.SubscriptionLedger) bool { return ref != "" && l.CustomerRef() == ref })
}

func (r *MemoryRepository) FindLedgerBySubscriptionRef(_ context.Context, ref string) (*models.SubscriptionLedger, error) {
	return r.findLedger(func(l *models.SubscriptionLedger) bool { return ref != "" && l.SubscriptionRef() == ref })
}

func (r *MemoryRepository) CreateLedger(_ context.Context, ledger *models.SubscriptionLedger) (bool, error) {
	unlock, err := r.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	for _, l := range r.store.ledgers {
		if l.UserID == ledger.UserID {
			*ledger = *l.Clone()
			return false, nil
		}
	}
	r.store.nextID++
	ledger.ID = r.store.nextID
	now := time.Now().UTC()
	ledger.CreatedAt, ledger.UpdatedAt = now, now
	r.store.ledgers[ledger.ID] = ledger.Clone()
	return true, nil
}

func (r *MemoryRepository) SaveLedger(_ context.Context, ledger *models.SubscriptionLedger) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if ledger.ID == 0 {
		r.store.nextID++
		ledger.ID = r.store.nextID
	}
	ledger.UpdatedAt = time.Now().UTC()
	r.store.ledgers[ledger.ID] = ledger.Clone()
	return nil
}

func (r *MemoryRepository) ListReconcilable(_ context.Context, afterID uint, limit int) ([]models.SubscriptionLedger, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []models.SubscriptionLedger
	for _, l := range r.store.ledgers {
		if l.ID > afterID && l.ProviderSubscriptionRef != nil && l.Status != models.LedgerStatusCanceled {
			out = append(out, *l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) IncrementUsage(_ context.Context, userID uint) (bool, error) {
	unlock, err := r.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	for _, l := range r.store.ledgers {
		if l.UserID == userID && l.QuotaUsed < l.QuotaLimit {
			l.QuotaUsed++
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) ResetFreeTierUsage(_ context.Context, before, now time.Time) (int64, error) {
	unlock, err := r.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	var n int64
	for _, l := range r.store.ledgers {
		if l.PlanID != string(entitlements.PlanFree) {
			continue
		}
		if l.UsageResetAt != nil && !l.UsageResetAt.Before(before) {
			continue
		}
		resetAt := now
		l.QuotaUsed = 0
		l.UsageResetAt = &resetAt
		n++
	}
	return n, nil
}

func (r *MemoryRepository) FindUser(_ context.Context, userID uint) (*models.User, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	u, ok := r.store.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return &u, nil
}
