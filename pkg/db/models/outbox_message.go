package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// OutboxMessage is a durable not-yet-published event. Writers insert rows in
// the same transaction as the domain change that produced them; only the
// publisher mutates rows afterwards, under the locked_by/locked_until lease.
type OutboxMessage struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventType      enums.OutboxEventType `gorm:"column:event_type;type:text;not null"`
	Payload        json.RawMessage       `gorm:"column:payload;type:jsonb;not null"`
	CorrelationID  string                `gorm:"column:correlation_id;not null"`
	IdempotencyKey *string               `gorm:"column:idempotency_key"`
	OccurredAt     time.Time             `gorm:"column:occurred_at;not null"`
	PublishedAt    *time.Time            `gorm:"column:published_at"`
	NextAttemptAt  time.Time             `gorm:"column:next_attempt_at;not null"`
	AttemptCount   int                   `gorm:"column:attempt_count;not null;default:0"`
	LastError      *string               `gorm:"column:last_error"`
	LockedBy       *string               `gorm:"column:locked_by"`
	LockedUntil    *time.Time            `gorm:"column:locked_until"`
	FailedAt       *time.Time            `gorm:"column:failed_at"`
}

// TableName overrides the GORM default pluralization.
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
