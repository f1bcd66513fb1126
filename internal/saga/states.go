package saga

import (
	"time"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

// EffectKind names a side effect a decision asks the service to perform.
type EffectKind string

const (
	EffectPublishFraudCheckRequested EffectKind = "publish_fraud_check_requested"
	EffectPublishTransactionApproved EffectKind = "publish_transaction_approved"
	EffectPublishTransactionRejected EffectKind = "publish_transaction_rejected"
	EffectArmTimeout                 EffectKind = "arm_timeout"
	EffectCancelTimeout              EffectKind = "cancel_timeout"
)

// Effect is a side-effect descriptor. The rules only describe effects; the
// service executes them against the outbox, the scheduler and the timeline.
type Effect struct {
	Kind         EffectKind
	RejectReason enums.RejectReason
	TimeoutDelay time.Duration
}

// Decision is the outcome of evaluating one trigger against current state.
type Decision struct {
	Ignore         bool
	IgnoreReason   string
	NextState      enums.SagaState
	IncrementRetry bool
	Effects        []Effect
}

// Rules is the pure saga transition table. It holds only the two business
// parameters and never touches storage, the bus or the clock.
type Rules struct {
	BaseTimeout time.Duration
	MaxRetry    int
}

func NewRules(baseTimeout time.Duration, maxRetry int) Rules {
	if baseTimeout <= 0 {
		baseTimeout = 30 * time.Second
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	return Rules{BaseTimeout: baseTimeout, MaxRetry: maxRetry}
}

// OnTransactionCreated starts a workflow: request the fraud check and arm the
// first timeout. The saga passes through submitted and persists as
// fraud_requested in a single write.
func (r Rules) OnTransactionCreated() Decision {
	return Decision{
		NextState: enums.SagaStateFraudRequested,
		Effects: []Effect{
			{Kind: EffectPublishFraudCheckRequested},
			{Kind: EffectArmTimeout, TimeoutDelay: r.BaseTimeout},
		},
	}
}

// OnFraudCheckCompleted finalizes the workflow with the collaborator's
// verdict. Deliveries against a terminal saga are ignored; the armed timeout
// is cancelled on the way out.
func (r Rules) OnFraudCheckCompleted(current enums.SagaState, decision enums.FraudDecision) Decision {
	if current.IsTerminal() {
		return Decision{Ignore: true, IgnoreReason: "saga already terminal"}
	}
	if current != enums.SagaStateFraudRequested {
		return Decision{Ignore: true, IgnoreReason: "no fraud check in flight"}
	}

	effects := []Effect{{Kind: EffectCancelTimeout}}
	switch decision {
	case enums.FraudDecisionApprove:
		effects = append(effects, Effect{Kind: EffectPublishTransactionApproved})
	default:
		effects = append(effects, Effect{
			Kind:         EffectPublishTransactionRejected,
			RejectReason: enums.RejectReasonFraudDecision,
		})
	}
	return Decision{
		NextState: enums.SagaStateCompleted,
		Effects:   effects,
	}
}

// OnTimeoutExpired handles a fired timeout. retryCount is the persisted value
// before this firing. The bound check runs against the incremented count and
// intentionally uses <=, which permits MaxRetry+1 total fraud-check attempts;
// this mirrors the behavior the business signed off on.
func (r Rules) OnTimeoutExpired(current enums.SagaState, retryCount int) Decision {
	if current != enums.SagaStateFraudRequested {
		return Decision{Ignore: true, IgnoreReason: "timeout is stale"}
	}

	next := retryCount + 1
	if next <= r.MaxRetry {
		return Decision{
			NextState:      enums.SagaStateFraudRequested,
			IncrementRetry: true,
			Effects: []Effect{
				{Kind: EffectPublishFraudCheckRequested},
				{Kind: EffectArmTimeout, TimeoutDelay: r.RetryDelay(next)},
			},
		}
	}
	return Decision{
		NextState:      enums.SagaStateTimedOut,
		IncrementRetry: true,
		Effects: []Effect{
			{
				Kind:         EffectPublishTransactionRejected,
				RejectReason: enums.RejectReasonTimedOut,
			},
		},
	}
}

// RetryDelay returns the delay for the Nth retry: BaseTimeout doubled per
// retry (30s, 60s, 120s for the defaults).
func (r Rules) RetryDelay(retry int) time.Duration {
	if retry < 1 {
		return r.BaseTimeout
	}
	return r.BaseTimeout * (1 << (retry - 1))
}
