package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/go-playground/validator/v10"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

// SagaHandler is the saga surface the consumer feeds.
type SagaHandler interface {
	HandleTransactionCreated(ctx context.Context, evt payloads.TransactionCreatedEvent) error
	HandleFraudCheckCompleted(ctx context.Context, evt payloads.FraudCheckCompletedEvent) error
}

// Consumer routes lifecycle events from one subscription into the saga.
// Malformed messages are acked after logging so they cannot wedge the
// subscription; retryable handler failures nack so the broker redelivers and
// the saga re-evaluates from fresh state.
type Consumer struct {
	subscription *pubsub.Subscriber
	saga         SagaHandler
	validate     *validator.Validate
	logg         *logger.Logger
}

// NewConsumer builds a lifecycle consumer. The subscription may be nil in
// tests that drive process directly.
func NewConsumer(subscription *pubsub.Subscriber, saga SagaHandler, logg *logger.Logger) (*Consumer, error) {
	if saga == nil {
		return nil, fmt.Errorf("saga handler required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: subscription,
		saga:         saga,
		validate:     validator.New(),
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("subscription required")
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

func (c *Consumer) process(ctx context.Context, msgID string, attributes map[string]string, data []byte) processResult {
	eventType := attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msgID,
		"event_type": eventType,
	})

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithCorrelationID(logCtx, envelope.CorrelationID)

	var err error
	switch eventType {
	case string(enums.EventTransactionCreated):
		var payload payloads.TransactionCreatedEvent
		if decodeErr := c.decode(envelope.Data, &payload); decodeErr != nil {
			c.logg.Error(logCtx, "failed to parse payload", decodeErr)
			return processResult{ack: true}
		}
		err = c.saga.HandleTransactionCreated(ctx, payload)
	case string(enums.EventFraudCheckCompleted):
		var payload payloads.FraudCheckCompletedEvent
		if decodeErr := c.decode(envelope.Data, &payload); decodeErr != nil {
			c.logg.Error(logCtx, "failed to parse payload", decodeErr)
			return processResult{ack: true}
		}
		err = c.saga.HandleFraudCheckCompleted(ctx, payload)
	default:
		c.logg.Info(logCtx, "skipping unhandled event type")
		return processResult{ack: true}
	}

	if err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "saga handling failed, will retry", err)
			return processResult{nack: true}
		}
		c.logg.Error(logCtx, "saga handling failed terminally", err)
		return processResult{ack: true}
	}
	return processResult{ack: true}
}

func (c *Consumer) decode(data json.RawMessage, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return err
	}
	return c.validate.Struct(target)
}
