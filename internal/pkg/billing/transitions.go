package billing

import (
	"strings"

	"github.com/ManuelReschke/LLMReady/app/models"
)

type statusSet map[string]bool

func newStatusSet(statuses ...string) statusSet {
	s := make(statusSet, len(statuses))
	for _, st := range statuses {
		s[st] = true
	}
	return s
}

var allStatuses = newStatusSet(
	models.LedgerStatusActive,
	models.LedgerStatusTrialing,
	models.LedgerStatusPastDue,
	models.LedgerStatusCanceled,
	models.LedgerStatusIncomplete,
	models.LedgerStatusUnpaid,
)

type transitionRule struct {
	from    statusSet // nil means any status
	to      statusSet
	revives bool // may leave the terminal canceled state
}

var transitionRules = map[EventType]transitionRule{
	EventCheckoutCompleted: {
		to:      newStatusSet(models.LedgerStatusActive, models.LedgerStatusTrialing),
		revives: true,
	},
	EventSubscriptionCreated: {
		to:      newStatusSet(models.LedgerStatusActive, models.LedgerStatusTrialing, models.LedgerStatusIncomplete),
		revives: true,
	},
	EventSubscriptionUpdated: {to: allStatuses},
	EventSubscriptionDeleted: {to: newStatusSet(models.LedgerStatusCanceled)},
	EventPaymentSucceeded:    {to: newStatusSet(models.LedgerStatusActive)},
	EventPaymentFailed: {
		from: newStatusSet(models.LedgerStatusActive, models.LedgerStatusTrialing, models.LedgerStatusIncomplete, models.LedgerStatusPastDue),
		to:   newStatusSet(models.LedgerStatusPastDue),
	},
	EventDisputeCreated:  {to: newStatusSet(models.LedgerStatusCanceled)},
	EventRefundIssued:    {to: newStatusSet(models.LedgerStatusCanceled)},
	EventCustomerDeleted: {to: newStatusSet(models.LedgerStatusCanceled)},
}

// CanTransition reports whether an event of type via may move a ledger from
// one status to another.
func CanTransition(from, to string, via EventType) bool {
	rule, ok := transitionRules[via]
	if !ok || !rule.to[to] {
		return false
	}
	if from == models.LedgerStatusCanceled && to != models.LedgerStatusCanceled && !rule.revives {
		return false
	}
	if rule.from != nil && !rule.from[from] {
		return false
	}
	return true
}

// MapProviderStatus folds provider subscription statuses onto the ledger's
// status enum. Unknown values fail closed to incomplete.
func MapProviderStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case models.LedgerStatusActive,
		models.LedgerStatusTrialing,
		models.LedgerStatusPastDue,
		models.LedgerStatusCanceled,
		models.LedgerStatusIncomplete,
		models.LedgerStatusUnpaid:
		return s
	case "incomplete_expired":
		return models.LedgerStatusCanceled
	case "paused":
		return models.LedgerStatusUnpaid
	default:
		return models.LedgerStatusIncomplete
	}
}

// isEntitlingStatus reports whether a status can ever consume quota.
func isEntitlingStatus(status string) bool {
	switch status {
	case models.LedgerStatusActive, models.LedgerStatusTrialing, models.LedgerStatusPastDue:
		return true
	default:
		return false
	}
}
