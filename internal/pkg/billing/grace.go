package billing

import (
	"time"

	"github.com/ManuelReschke/LLMReady/app/models"
)

// DefaultGracePeriod is how long a past_due subscriber keeps access.
const DefaultGracePeriod = 72 * time.Hour

// CanConsumeQuota decides whether the ledger allows one more unit of work at
// now. past_due ledgers keep access for grace after the status change.
func CanConsumeQuota(l *models.SubscriptionLedger, now time.Time, grace time.Duration) bool {
	if l == nil {
		return false
	}
	switch l.Status {
	case models.LedgerStatusActive, models.LedgerStatusTrialing:
		return l.QuotaUsed < l.QuotaLimit
	case models.LedgerStatusPastDue:
		if now.Sub(l.StatusChangedAt) > grace {
			return false
		}
		return l.QuotaUsed < l.QuotaLimit
	default:
		return false
	}
}

// GraceDeadline returns when a past_due ledger loses access. ok is false for
// any other status.
func GraceDeadline(l *models.SubscriptionLedger, grace time.Duration) (time.Time, bool) {
	if l == nil || l.Status != models.LedgerStatusPastDue {
		return time.Time{}, false
	}
	return l.StatusChangedAt.Add(grace), true
}
