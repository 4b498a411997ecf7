package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/ManuelReschke/LLMReady/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the persistence used by the billing engine: the
// idempotency store and the subscription ledger. Lookups run inside
// Transaction take row locks.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	HasProcessed(ctx context.Context, eventID string) (bool, error)
	IsStale(ctx context.Context, eventType, entityRef string, providerTimestamp int64) (bool, error)
	RecordEvent(ctx context.Context, event *models.ProcessedEvent) error
	MarkEventFailed(ctx context.Context, event *models.ProcessedEvent) error
	GetEvent(ctx context.Context, eventID string) (*models.ProcessedEvent, error)
	ResolveFailedEvent(ctx context.Context, event *models.ProcessedEvent) error
	ListFailedEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error)

	FindLedgerByUser(ctx context.Context, userID uint) (*models.SubscriptionLedger, error)
	FindLedgerByCustomerRef(ctx context.Context, ref string) (*models.SubscriptionLedger, error)
	FindLedgerBySubscriptionRef(ctx context.Context, ref string) (*models.SubscriptionLedger, error)
	CreateLedger(ctx context.Context, ledger *models.SubscriptionLedger) (bool, error)
	SaveLedger(ctx context.Context, ledger *models.SubscriptionLedger) error
	ListReconcilable(ctx context.Context, afterID uint, limit int) ([]models.SubscriptionLedger, error)
	IncrementUsage(ctx context.Context, userID uint) (bool, error)
	ResetFreeTierUsage(ctx context.Context, before, now time.Time) (int64, error)

	FindUser(ctx context.Context, userID uint) (*models.User, error)
}

type gormRepository struct {
	db   *gorm.DB
	inTx bool
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx, inTx: true})
	})
}

func (r *gormRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// locked adds FOR UPDATE when running inside a transaction.
func (r *gormRepository) locked(ctx context.Context) *gorm.DB {
	q := r.conn(ctx)
	if r.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *gormRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.conn(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) IsStale(ctx context.Context, eventType, entityRef string, providerTimestamp int64) (bool, error) {
	var count int64
	err := r.locked(ctx).Model(&models.ProcessedEvent{}).
		Where("event_type = ? AND entity_ref = ? AND outcome = ? AND provider_timestamp > ?",
			eventType, entityRef, models.EventOutcomeProcessed, providerTimestamp).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) RecordEvent(ctx context.Context, event *models.ProcessedEvent) error {
	err := r.conn(ctx).Create(event).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEvent
	}
	return err
}

func (r *gormRepository) MarkEventFailed(ctx context.Context, event *models.ProcessedEvent) error {
	// An existing row wins: it is either the processed record of a concurrent
	// delivery or an earlier failure.
	return r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event).Error
}

func (r *gormRepository) GetEvent(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	var ev models.ProcessedEvent
	err := r.locked(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ResolveFailedEvent overwrites a failed row with the outcome of its replay.
// Rows that are no longer failed are left alone and ErrEventNotReplayable is
// returned.
func (r *gormRepository) ResolveFailedEvent(ctx context.Context, event *models.ProcessedEvent) error {
	tx := r.conn(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ? AND outcome = ?", event.EventID, models.EventOutcomeFailed).
		Updates(map[string]interface{}{
			"entity_ref":   event.EntityRef,
			"outcome":      event.Outcome,
			"result":       event.Result,
			"error_detail": event.ErrorDetail,
			"processed_at": event.ProcessedAt,
			"payload":      event.Payload,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrEventNotReplayable
	}
	return nil
}

func (r *gormRepository) ListFailedEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	var events []models.ProcessedEvent
	err := r.conn(ctx).
		Where("outcome = ?", models.EventOutcomeFailed).
		Order("processed_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) findLedger(ctx context.Context, query string, arg interface{}) (*models.SubscriptionLedger, error) {
	var l models.SubscriptionLedger
	err := r.locked(ctx).Where(query, arg).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *gormRepository) FindLedgerByUser(ctx context.Context, userID uint) (*models.SubscriptionLedger, error) {
	return r.findLedger(ctx, "user_id = ?", userID)
}

func (r *gormRepository) FindLedgerByCustomerRef(ctx context.Context, ref string) (*models.SubscriptionLedger, error) {
	return r.findLedger(ctx, "provider_customer_ref = ?", ref)
}

func (r *gormRepository) FindLedgerBySubscriptionRef(ctx context.Context, ref string) (*models.SubscriptionLedger, error) {
	return r.findLedger(ctx, "provider_subscription_ref = ?", ref)
}

func (r *gormRepository) CreateLedger(ctx context.Context, ledger *models.SubscriptionLedger) (bool, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(ledger)
	if tx.Error != nil {
		return false, tx.Error
	}

	created := tx.RowsAffected > 0
	if err := r.conn(ctx).Where("user_id = ?", ledger.UserID).First(ledger).Error; err != nil {
		return false, err
	}
	return created, nil
}

func (r *gormRepository) SaveLedger(ctx context.Context, ledger *models.SubscriptionLedger) error {
	return r.conn(ctx).Save(ledger).Error
}

func (r *gormRepository) ListReconcilable(ctx context.Context, afterID uint, limit int) ([]models.SubscriptionLedger, error) {
	var rows []models.SubscriptionLedger
	err := r.conn(ctx).
		Where("provider_subscription_ref IS NOT NULL AND status <> ? AND id > ?", models.LedgerStatusCanceled, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *gormRepository) IncrementUsage(ctx context.Context, userID uint) (bool, error) {
	tx := r.conn(ctx).Model(&models.SubscriptionLedger{}).
		Where("user_id = ? AND quota_used < quota_limit", userID).
		UpdateColumn("quota_used", gorm.Expr("quota_used + ?", 1))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ResetFreeTierUsage(ctx context.Context, before, now time.Time) (int64, error) {
	tx := r.conn(ctx).Model(&models.SubscriptionLedger{}).
		Where("plan_id = ? AND (usage_reset_at IS NULL OR usage_reset_at < ?)", string(entitlements.PlanFree), before).
		Updates(map[string]interface{}{
			"quota_used":     0,
			"usage_reset_at": now,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	return models.FindUserByID(r.conn(ctx), userID)
}
