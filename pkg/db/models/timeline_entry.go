package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimelineEntry is one append-only record of a saga transition, kept for
// support and audit reporting. Rows are never mutated or deleted.
type TimelineEntry struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TransactionID uuid.UUID       `gorm:"column:transaction_id;type:uuid;not null;index:ix_timeline_transaction_occurred,priority:1"`
	EventType     string          `gorm:"column:event_type;not null"`
	DetailsJSON   json.RawMessage `gorm:"column:details_json;type:jsonb"`
	OccurredAt    time.Time       `gorm:"column:occurred_at;not null;index:ix_timeline_transaction_occurred,priority:2"`
	CorrelationID *string         `gorm:"column:correlation_id"`
	Source        string          `gorm:"column:source;not null"`
}

// TableName overrides the GORM default pluralization.
func (TimelineEntry) TableName() string {
	return "transaction_timeline"
}
