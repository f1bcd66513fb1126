package enums

import "fmt"

// FraudDecision is the verdict carried on FraudCheckCompleted.
type FraudDecision string

const (
	FraudDecisionApprove FraudDecision = "approve"
	FraudDecisionReject  FraudDecision = "reject"
)

// IsValid reports whether the value matches a known decision.
func (d FraudDecision) IsValid() bool {
	return d == FraudDecisionApprove || d == FraudDecisionReject
}

// ParseFraudDecision converts raw input into FraudDecision.
func ParseFraudDecision(value string) (FraudDecision, error) {
	switch FraudDecision(value) {
	case FraudDecisionApprove:
		return FraudDecisionApprove, nil
	case FraudDecisionReject:
		return FraudDecisionReject, nil
	}
	return "", fmt.Errorf("invalid fraud decision %q", value)
}
