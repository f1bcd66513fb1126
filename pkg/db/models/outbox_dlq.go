package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// OutboxDLQ captures poisoned outbox rows for operator remediation.
type OutboxDLQ struct {
	ID            uuid.UUID                  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MessageID     uuid.UUID                  `gorm:"column:message_id;type:uuid;not null"`
	EventType     enums.OutboxEventType      `gorm:"column:event_type;type:text;not null"`
	Payload       json.RawMessage            `gorm:"column:payload;type:jsonb;not null"`
	CorrelationID string                     `gorm:"column:correlation_id;not null"`
	ErrorReason   enums.OutboxDLQErrorReason `gorm:"column:error_reason;type:text;not null"`
	ErrorMessage  *string                    `gorm:"column:error_message"`
	AttemptCount  int                        `gorm:"column:attempt_count;not null;default:0"`
	FailedAt      time.Time                  `gorm:"column:failed_at;not null"`
	CreatedAt     time.Time                  `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides the GORM default pluralization.
func (OutboxDLQ) TableName() string {
	return "outbox_dlq"
}
