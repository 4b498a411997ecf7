package models

import "time"

const (
	EventOutcomeProcessed = "processed"
	EventOutcomeFailed    = "failed"
)

// Finer-grained disposition stored next to the outcome.
const (
	EventResultApplied      = "applied"
	EventResultSkippedStale = "skipped_stale"
	EventResultIgnored      = "ignored"
	EventResultFailed       = "failed"
)

// ProcessedEvent is the durable idempotency record of a provider event.
// Rows are only updated when a failed event is replayed. Payload keeps the
// provider object of failed events so they can be replayed.
type ProcessedEvent struct {
	EventID           string    `gorm:"primaryKey;type:varchar(191)" json:"event_id"`
	EventType         string    `gorm:"type:varchar(100);not null;index:idx_processed_events_ordering,priority:1" json:"event_type"`
	EntityRef         string    `gorm:"type:varchar(191);not null;default:'';index:idx_processed_events_ordering,priority:2" json:"entity_ref"`
	ProviderTimestamp int64     `gorm:"not null;index:idx_processed_events_ordering,priority:3" json:"provider_timestamp"`
	Outcome           string    `gorm:"type:varchar(16);not null;index" json:"outcome"`
	Result            string    `gorm:"type:varchar(32);not null;default:''" json:"result"`
	ErrorDetail       *string   `gorm:"type:text;default:null" json:"error_detail,omitempty"`
	ProcessedAt       time.Time `gorm:"type:timestamp;not null;index" json:"processed_at"`
	Payload           []byte    `gorm:"type:mediumblob;default:null" json:"-"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// Failed reports whether the event was recorded as a handler fault.
func (e *ProcessedEvent) Failed() bool {
	return e != nil && e.Outcome == EventOutcomeFailed
}
