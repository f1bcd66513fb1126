package enums

import "fmt"

// SagaState maps to the current_state column on saga_instances.
type SagaState string

const (
	SagaStateSubmitted      SagaState = "submitted"
	SagaStateFraudRequested SagaState = "fraud_requested"
	SagaStateCompleted      SagaState = "completed"
	SagaStateTimedOut       SagaState = "timed_out"
)

var validSagaStates = []SagaState{
	SagaStateSubmitted,
	SagaStateFraudRequested,
	SagaStateCompleted,
	SagaStateTimedOut,
}

// IsValid reports whether the value matches a known saga state.
func (s SagaState) IsValid() bool {
	for _, candidate := range validSagaStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the saga accepts no further events in this state.
func (s SagaState) IsTerminal() bool {
	return s == SagaStateCompleted || s == SagaStateTimedOut
}

// ParseSagaState converts raw input into SagaState.
func ParseSagaState(value string) (SagaState, error) {
	for _, candidate := range validSagaStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga state %q", value)
}
