package models

import (
	"strings"
	"time"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

const (
	LedgerStatusActive     = "active"
	LedgerStatusTrialing   = "trialing"
	LedgerStatusPastDue    = "past_due"
	LedgerStatusCanceled   = "canceled"
	LedgerStatusIncomplete = "incomplete"
	LedgerStatusUnpaid     = "unpaid"
)

// SubscriptionLedger is the authoritative local record of a user's
// subscription status, plan, usage counters and provider identifiers.
// One row per user; rows are never hard-deleted. LastCycleInvoiceRef holds
// the renewal invoice that last reset quota_used.
type SubscriptionLedger struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	UserID                  uint       `gorm:"not null;uniqueIndex:ux_subscription_ledger_user" json:"user_id"`
	PlanID                  string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_id"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'active';index:idx_subscription_ledger_status_sub,priority:1" json:"status"`
	BillingInterval         string     `gorm:"type:varchar(16);not null;default:''" json:"billing_interval"`
	ProviderCustomerRef     *string    `gorm:"type:varchar(191);default:null;index" json:"provider_customer_ref,omitempty"`
	ProviderSubscriptionRef *string    `gorm:"type:varchar(191);default:null;index:idx_subscription_ledger_status_sub,priority:2" json:"provider_subscription_ref,omitempty"`
	QuotaUsed               int        `gorm:"not null;default:0" json:"quota_used"`
	QuotaLimit              int        `gorm:"not null;default:0" json:"quota_limit"`
	ResourceLimit           int        `gorm:"not null;default:0" json:"resource_limit"`
	StatusChangedAt         time.Time  `gorm:"type:timestamp;not null" json:"status_changed_at"`
	CancelAtPeriodEnd       bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	LastEventAt             int64      `gorm:"not null;default:0" json:"last_event_at"`
	UsageResetAt            *time.Time `gorm:"type:timestamp;default:null" json:"usage_reset_at,omitempty"`
	SubscriptionStartedAt   *time.Time `gorm:"type:timestamp;default:null" json:"subscription_started_at,omitempty"`
	LastCycleInvoiceRef     string     `gorm:"type:varchar(191);not null;default:''" json:"-"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubscriptionLedger) TableName() string {
	return "subscription_ledger"
}

// CustomerRef returns the provider customer reference or "".
func (l *SubscriptionLedger) CustomerRef() string {
	if l == nil || l.ProviderCustomerRef == nil {
		return ""
	}
	return *l.ProviderCustomerRef
}

// SubscriptionRef returns the provider subscription reference or "".
func (l *SubscriptionLedger) SubscriptionRef() string {
	if l == nil || l.ProviderSubscriptionRef == nil {
		return ""
	}
	return *l.ProviderSubscriptionRef
}

// SetCustomerRef stores ref, clearing the column for an empty value.
func (l *SubscriptionLedger) SetCustomerRef(ref string) {
	l.ProviderCustomerRef = nullableRef(ref)
}

// SetSubscriptionRef stores ref, clearing the column for an empty value.
func (l *SubscriptionLedger) SetSubscriptionRef(ref string) {
	l.ProviderSubscriptionRef = nullableRef(ref)
}

// IsCanceled reports whether the ledger sits in the terminal state.
func (l *SubscriptionLedger) IsCanceled() bool {
	return l != nil && l.Status == LedgerStatusCanceled
}

// Clone returns a deep copy; pointer fields are not shared.
func (l *SubscriptionLedger) Clone() *SubscriptionLedger {
	if l == nil {
		return nil
	}
	c := *l
	if l.ProviderCustomerRef != nil {
		v := *l.ProviderCustomerRef
		c.ProviderCustomerRef = &v
	}
	if l.ProviderSubscriptionRef != nil {
		v := *l.ProviderSubscriptionRef
		c.ProviderSubscriptionRef = &v
	}
	if l.UsageResetAt != nil {
		v := *l.UsageResetAt
		c.UsageResetAt = &v
	}
	if l.SubscriptionStartedAt != nil {
		v := *l.SubscriptionStartedAt
		c.SubscriptionStartedAt = &v
	}
	return &c
}

func nullableRef(ref string) *string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	return &ref
}
