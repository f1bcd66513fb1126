package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// SagaInstance is the durable state of one fraud-check workflow. Rows are
// mutated only by the saga state machine, guarded by the version column:
// every persisted mutation is conditional on the version loaded with the row.
type SagaInstance struct {
	CorrelationID    uuid.UUID       `gorm:"column:correlation_id;type:uuid;default:gen_random_uuid();primaryKey"`
	TransactionID    uuid.UUID       `gorm:"column:transaction_id;type:uuid;not null;uniqueIndex:ux_saga_instances_transaction_id"`
	CorrelationKey   string          `gorm:"column:correlation_key;not null"`
	CurrentState     enums.SagaState `gorm:"column:current_state;type:text;not null"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(18,2);not null"`
	Currency         string          `gorm:"column:currency;type:text;not null"`
	MerchantID       string          `gorm:"column:merchant_id;not null"`
	RiskScore        *int            `gorm:"column:risk_score"`
	FraudExplanation *string         `gorm:"column:fraud_explanation"`
	RetryCount       int             `gorm:"column:retry_count;not null;default:0"`
	TimeoutTokenID   *string         `gorm:"column:timeout_token_id"`
	TimedOutAt       *time.Time      `gorm:"column:timed_out_at"`
	Version          int             `gorm:"column:version;not null;default:1"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the GORM default pluralization.
func (SagaInstance) TableName() string {
	return "saga_instances"
}
