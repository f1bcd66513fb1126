package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// Transaction is the payment aggregate the saga decides on. Outcome consumers
// apply TransactionApproved/TransactionRejected to it exactly once.
type Transaction struct {
	ID             uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Amount         decimal.Decimal         `gorm:"column:amount;type:numeric(18,2);not null"`
	Currency       string                  `gorm:"column:currency;type:text;not null"`
	MerchantID     string                  `gorm:"column:merchant_id;not null"`
	CustomerIP     string                  `gorm:"column:customer_ip;not null;default:'0.0.0.0'"`
	Status         enums.TransactionStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	RiskScore      *int                    `gorm:"column:risk_score"`
	DecisionReason *string                 `gorm:"column:decision_reason"`
	Explanation    *string                 `gorm:"column:explanation"`
	CorrelationID  string                  `gorm:"column:correlation_id;not null"`
	DecidedAt      *time.Time              `gorm:"column:decided_at"`
	CreatedAt      time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the GORM default pluralization.
func (Transaction) TableName() string {
	return "transactions"
}
