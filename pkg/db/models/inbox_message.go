package models

import "time"

// InboxMessage records a consumed message identity. Row existence is the
// dedup signal; the insert is the atomic claim.
type InboxMessage struct {
	MessageID   string    `gorm:"column:message_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName overrides the GORM default pluralization.
func (InboxMessage) TableName() string {
	return "inbox_messages"
}
