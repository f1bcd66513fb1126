package enums

import "fmt"

// RejectReason explains a TransactionRejected outcome. A timed-out rejection
// is a business outcome, not a system error, and shares the event shape with
// a fraud rejection.
type RejectReason string

const (
	RejectReasonFraudDecision RejectReason = "FraudDecisionReject"
	RejectReasonTimedOut      RejectReason = "TimedOut"
)

// IsValid reports whether the value matches a known reject reason.
func (r RejectReason) IsValid() bool {
	return r == RejectReasonFraudDecision || r == RejectReasonTimedOut
}

// ParseRejectReason converts raw input into RejectReason.
func ParseRejectReason(value string) (RejectReason, error) {
	switch RejectReason(value) {
	case RejectReasonFraudDecision:
		return RejectReasonFraudDecision, nil
	case RejectReasonTimedOut:
		return RejectReasonTimedOut, nil
	}
	return "", fmt.Errorf("invalid reject reason %q", value)
}
