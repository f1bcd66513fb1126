package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

type fakeSaga struct {
	created   []payloads.TransactionCreatedEvent
	completed []payloads.FraudCheckCompletedEvent
	err       error
}

func (f *fakeSaga) HandleTransactionCreated(_ context.Context, evt payloads.TransactionCreatedEvent) error {
	f.created = append(f.created, evt)
	return f.err
}

func (f *fakeSaga) HandleFraudCheckCompleted(_ context.Context, evt payloads.FraudCheckCompletedEvent) error {
	f.completed = append(f.completed, evt)
	return f.err
}

func newTestConsumer(t *testing.T, saga *fakeSaga) *Consumer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "lifecycle-test", Output: io.Discard})
	consumer, err := NewConsumer(nil, saga, logg)
	require.NoError(t, err)
	return consumer
}

func message(t *testing.T, eventType enums.OutboxEventType, data any) (map[string]string, []byte) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:       1,
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "corr-5",
		Data:          raw,
	})
	require.NoError(t, err)
	return map[string]string{"event_type": string(eventType)}, envelope
}

func TestProcessRoutesTransactionCreated(t *testing.T) {
	saga := &fakeSaga{}
	consumer := newTestConsumer(t, saga)

	txID := uuid.New()
	attrs, data := message(t, enums.EventTransactionCreated, payloads.TransactionCreatedEvent{
		TransactionID: txID,
		Amount:        decimal.NewFromFloat(20),
		Currency:      "USD",
		MerchantID:    "merchant-1",
		CorrelationID: "corr-5",
	})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.ack)
	require.Len(t, saga.created, 1)
	assert.Equal(t, txID, saga.created[0].TransactionID)
}

func TestProcessRoutesFraudCheckCompleted(t *testing.T) {
	saga := &fakeSaga{}
	consumer := newTestConsumer(t, saga)

	txID := uuid.New()
	attrs, data := message(t, enums.EventFraudCheckCompleted, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     55,
		Decision:      enums.FraudDecisionReject,
		CorrelationID: "corr-5",
	})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.ack)
	require.Len(t, saga.completed, 1)
	assert.Equal(t, enums.FraudDecisionReject, saga.completed[0].Decision)
}

func TestProcessSkipsUnknownEventTypes(t *testing.T) {
	saga := &fakeSaga{}
	consumer := newTestConsumer(t, saga)

	attrs, data := message(t, enums.EventTransactionApproved, map[string]any{})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.ack)
	assert.Empty(t, saga.created)
	assert.Empty(t, saga.completed)
}

func TestProcessMalformedEnvelopeAcks(t *testing.T) {
	saga := &fakeSaga{}
	consumer := newTestConsumer(t, saga)

	attrs := map[string]string{"event_type": string(enums.EventTransactionCreated)}
	result := consumer.process(context.Background(), "msg-1", attrs, []byte(`{broken`))
	assert.True(t, result.ack)
	assert.Empty(t, saga.created)
}

func TestProcessInvalidPayloadAcks(t *testing.T) {
	saga := &fakeSaga{}
	consumer := newTestConsumer(t, saga)

	// Currency fails the len=3 rule; redelivery cannot fix it.
	attrs, data := message(t, enums.EventTransactionCreated, payloads.TransactionCreatedEvent{
		TransactionID: uuid.New(),
		Amount:        decimal.NewFromFloat(20),
		Currency:      "USDT",
		MerchantID:    "merchant-1",
		CorrelationID: "corr-5",
	})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.ack)
	assert.Empty(t, saga.created)
}

func TestProcessNacksRetryableFailures(t *testing.T) {
	saga := &fakeSaga{err: pkgerrors.New(pkgerrors.CodeVersionConflict, "stale saga version")}
	consumer := newTestConsumer(t, saga)

	attrs, data := message(t, enums.EventFraudCheckCompleted, payloads.FraudCheckCompletedEvent{
		TransactionID: uuid.New(),
		RiskScore:     10,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: "corr-5",
	})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.nack)
}

func TestProcessAcksNonRetryableFailures(t *testing.T) {
	saga := &fakeSaga{err: pkgerrors.New(pkgerrors.CodeStateConflict, "terminal state")}
	consumer := newTestConsumer(t, saga)

	attrs, data := message(t, enums.EventFraudCheckCompleted, payloads.FraudCheckCompletedEvent{
		TransactionID: uuid.New(),
		RiskScore:     10,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: "corr-5",
	})
	result := consumer.process(context.Background(), "msg-1", attrs, data)
	assert.True(t, result.ack)
	assert.False(t, result.nack)
}
