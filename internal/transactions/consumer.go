package transactions

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/internal/timeline"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/inbox"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

// OutcomeConsumer applies TransactionApproved/TransactionRejected outcomes to
// the aggregate. The inbox guard and the decision both run in one
// transaction, so a message is either fully applied exactly once or not at
// all.
type OutcomeConsumer struct {
	db           TxRunner
	repo         *Repository
	guard        *inbox.Guard
	timeline     *timeline.Writer
	subscription *pubsub.Subscriber
	validate     *validator.Validate
	logg         *logger.Logger
}

// NewOutcomeConsumer builds the outcome consumer. The subscription may be nil
// in tests that drive process directly.
func NewOutcomeConsumer(db TxRunner, repo *Repository, guard *inbox.Guard, writer *timeline.Writer, subscription *pubsub.Subscriber, logg *logger.Logger) (*OutcomeConsumer, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if repo == nil {
		return nil, fmt.Errorf("transactions repository required")
	}
	if guard == nil {
		return nil, fmt.Errorf("inbox guard required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &OutcomeConsumer{
		db:           db,
		repo:         repo,
		guard:        guard,
		timeline:     writer,
		subscription: subscription,
		validate:     validator.New(),
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *OutcomeConsumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("outcomes subscription required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg.ID, msg.Attributes, msg.Data)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *OutcomeConsumer) process(ctx context.Context, msgID string, attributes map[string]string, data []byte) processResult {
	eventType := attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msgID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventTransactionApproved) && eventType != string(enums.EventTransactionRejected) {
		c.logg.Info(logCtx, "skipping non-outcome event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithCorrelationID(logCtx, envelope.CorrelationID)

	// The envelope event id survives a republish of the same outbox row,
	// which the broker message id does not. Prefer it as the dedup key.
	dedupKey := envelope.EventID
	if dedupKey == "" {
		dedupKey = msgID
	}

	outcome, err := c.decodeOutcome(eventType, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to parse outcome payload", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithTransactionID(logCtx, outcome.TransactionID.String())

	duplicate := false
	applied := false
	err = c.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := c.guard.TryBegin(tx, dedupKey)
		if err != nil {
			return err
		}
		if !ok {
			duplicate = true
			return nil
		}
		applied, err = c.repo.WithTx(tx).ApplyDecision(outcome.TransactionID, outcome.Decision)
		return err
	})
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "applying outcome failed, will retry", err)
			return processResult{nack: true}
		}
		c.logg.Error(logCtx, "applying outcome failed terminally", err)
		return processResult{ack: true}
	}
	if duplicate {
		c.logg.Info(logCtx, "duplicate outcome ignored")
		return processResult{ack: true}
	}
	if !applied {
		c.logg.Warn(logCtx, "transaction not pending, outcome had no effect")
	}

	c.appendTimeline(ctx, eventType, outcome, envelope.CorrelationID)
	c.logg.Info(logCtx, "outcome applied")
	return processResult{ack: true}
}

type decodedOutcome struct {
	TransactionID uuid.UUID
	Decision      Decision
}

func (c *OutcomeConsumer) decodeOutcome(eventType string, data json.RawMessage) (decodedOutcome, error) {
	switch eventType {
	case string(enums.EventTransactionApproved):
		var payload payloads.TransactionApprovedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return decodedOutcome{}, err
		}
		if err := c.validate.Struct(payload); err != nil {
			return decodedOutcome{}, err
		}
		return decodedOutcome{
			TransactionID: payload.TransactionID,
			Decision: Decision{
				Status:      enums.TransactionStatusApproved,
				RiskScore:   payload.RiskScore,
				Explanation: optionalString(payload.Explanation),
				DecidedAt:   payload.OccurredAt,
			},
		}, nil
	case string(enums.EventTransactionRejected):
		var payload payloads.TransactionRejectedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return decodedOutcome{}, err
		}
		if err := c.validate.Struct(payload); err != nil {
			return decodedOutcome{}, err
		}
		reason := string(payload.Reason)
		return decodedOutcome{
			TransactionID: payload.TransactionID,
			Decision: Decision{
				Status:      enums.TransactionStatusRejected,
				RiskScore:   payload.RiskScore,
				Reason:      &reason,
				Explanation: optionalString(payload.Explanation),
				DecidedAt:   payload.OccurredAt,
			},
		}, nil
	default:
		return decodedOutcome{}, fmt.Errorf("unsupported outcome event %q", eventType)
	}
}

func (c *OutcomeConsumer) appendTimeline(ctx context.Context, eventType string, outcome decodedOutcome, correlationID string) {
	if c.timeline == nil {
		return
	}
	entry := timeline.Entry{
		TransactionID: outcome.TransactionID,
		EventType:     eventType,
		Details:       map[string]any{"status": outcome.Decision.Status, "risk_score": outcome.Decision.RiskScore},
		CorrelationID: correlationID,
		Source:        timeline.SourceOutcomeConsumer,
	}
	if err := c.timeline.Append(ctx, c.db.DB(), entry); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "event_type", eventType), "timeline append failed")
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
