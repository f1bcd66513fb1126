package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// TransactionCreatedEvent announces a new payment transaction and starts the
// fraud-check workflow.
type TransactionCreatedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Currency      string          `json:"currency" validate:"required,len=3"`
	MerchantID    string          `json:"merchant_id" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"required"`
	CustomerIP    string          `json:"customer_ip,omitempty"`
}

// FraudCheckRequestedEvent asks the external fraud collaborator to score a
// transaction.
type FraudCheckRequestedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Currency      string          `json:"currency" validate:"required,len=3"`
	MerchantID    string          `json:"merchant_id" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"required"`
}

// FraudCheckCompletedEvent carries the collaborator's verdict back to the saga.
type FraudCheckCompletedEvent struct {
	TransactionID uuid.UUID           `json:"transaction_id" validate:"required"`
	RiskScore     int                 `json:"risk_score" validate:"gte=0,lte=100"`
	Decision      enums.FraudDecision `json:"decision" validate:"required,oneof=approve reject"`
	Explanation   string              `json:"explanation"`
	CorrelationID string              `json:"correlation_id" validate:"required"`
}

// FraudCheckTimeoutExpiredEvent is the internally scheduled timeout signal,
// delivered by the durable scheduler rather than the shared bus.
type FraudCheckTimeoutExpiredEvent struct {
	TransactionID uuid.UUID `json:"transaction_id" validate:"required"`
	CorrelationID string    `json:"correlation_id" validate:"required"`
}

// TransactionApprovedEvent is the terminal approval outcome.
type TransactionApprovedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id" validate:"required"`
	RiskScore     int       `json:"risk_score" validate:"gte=0,lte=100"`
	Explanation   string    `json:"explanation"`
	CorrelationID string    `json:"correlation_id" validate:"required"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
}

// TransactionRejectedEvent is the terminal rejection outcome. A timed-out
// rejection differs from a fraud rejection only by Reason.
type TransactionRejectedEvent struct {
	TransactionID uuid.UUID          `json:"transaction_id" validate:"required"`
	RiskScore     int                `json:"risk_score" validate:"gte=0,lte=100"`
	Reason        enums.RejectReason `json:"reason" validate:"required,oneof=FraudDecisionReject TimedOut"`
	Explanation   string             `json:"explanation"`
	CorrelationID string             `json:"correlation_id" validate:"required"`
	OccurredAt    time.Time          `json:"occurred_at" validate:"required"`
}
