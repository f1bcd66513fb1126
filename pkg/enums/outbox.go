package enums

import "fmt"

// OutboxEventType is the logical event type stored on outbox_messages.
type OutboxEventType string

const (
	EventTransactionCreated       OutboxEventType = "transaction_created"
	EventFraudCheckRequested      OutboxEventType = "fraud_check_requested"
	EventFraudCheckCompleted      OutboxEventType = "fraud_check_completed"
	EventFraudCheckTimeoutExpired OutboxEventType = "fraud_check_timeout_expired"
	EventTransactionApproved      OutboxEventType = "transaction_approved"
	EventTransactionRejected      OutboxEventType = "transaction_rejected"
)

var validOutboxEventTypes = []OutboxEventType{
	EventTransactionCreated,
	EventFraudCheckRequested,
	EventFraudCheckCompleted,
	EventFraudCheckTimeoutExpired,
	EventTransactionApproved,
	EventTransactionRejected,
}

// IsValid reports whether the value matches a registered event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}

// OutboxDLQErrorReason classifies why a row was copied to the dead letter table.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

// IsValid reports whether the value matches a known DLQ reason.
func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
