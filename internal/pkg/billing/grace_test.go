package billing

import (
	"testing"
	"time"

	"github.com/ManuelReschke/LLMReady/app/models"
	"github.com/stretchr/testify/assert"
)

func TestCanConsumeQuotaByStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		status string
		used   int
		limit  int
		want   bool
	}{
		{"active with quota", models.LedgerStatusActive, 2, 10, true},
		{"active exhausted", models.LedgerStatusActive, 10, 10, false},
		{"trialing with quota", models.LedgerStatusTrialing, 0, 3, true},
		{"canceled", models.LedgerStatusCanceled, 0, 1, false},
		{"incomplete", models.LedgerStatusIncomplete, 0, 10, false},
		{"unpaid", models.LedgerStatusUnpaid, 0, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &models.SubscriptionLedger{Status: tt.status, QuotaUsed: tt.used, QuotaLimit: tt.limit, StatusChangedAt: now}
			assert.Equal(t, tt.want, CanConsumeQuota(l, now, DefaultGracePeriod))
		})
	}

	assert.False(t, CanConsumeQuota(nil, now, DefaultGracePeriod))
}

func TestCanConsumeQuotaGraceBoundary(t *testing.T) {
	changed := time.Unix(200, 0)
	l := &models.SubscriptionLedger{
		Status:          models.LedgerStatusPastDue,
		QuotaUsed:       1,
		QuotaLimit:      10,
		StatusChangedAt: changed,
	}

	assert.True(t, CanConsumeQuota(l, changed.Add(DefaultGracePeriod-time.Second), DefaultGracePeriod))
	assert.True(t, CanConsumeQuota(l, changed.Add(DefaultGracePeriod), DefaultGracePeriod))
	assert.False(t, CanConsumeQuota(l, changed.Add(DefaultGracePeriod+time.Second), DefaultGracePeriod))

	l.QuotaUsed = 10
	assert.False(t, CanConsumeQuota(l, changed.Add(time.Hour), DefaultGracePeriod))
}

func TestGraceDeadline(t *testing.T) {
	changed := time.Unix(1000, 0)
	deadline, ok := GraceDeadline(&models.SubscriptionLedger{Status: models.LedgerStatusPastDue, StatusChangedAt: changed}, time.Hour)
	assert.True(t, ok)
	assert.Equal(t, changed.Add(time.Hour), deadline)

	_, ok = GraceDeadline(&models.SubscriptionLedger{Status: models.LedgerStatusActive}, time.Hour)
	assert.False(t, ok)
}
