package saga

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/internal/timeline"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

type gormTxRunner struct {
	conn *gorm.DB
}

func (r gormTxRunner) DB() *gorm.DB { return r.conn }

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.conn.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

type scheduledTimeout struct {
	key     string
	delay   time.Duration
	payload payloads.FraudCheckTimeoutExpiredEvent
	token   string
}

type fakeScheduler struct {
	scheduled   []scheduledTimeout
	cancelled   []string
	scheduleErr error
	seq         int
}

func (f *fakeScheduler) Schedule(_ context.Context, correlationKey string, delay time.Duration, payload any) (string, error) {
	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	f.seq++
	token := fmt.Sprintf("token-%d", f.seq)
	call := scheduledTimeout{key: correlationKey, delay: delay, token: token}
	if typed, ok := payload.(payloads.FraudCheckTimeoutExpiredEvent); ok {
		call.payload = typed
	}
	f.scheduled = append(f.scheduled, call)
	return token, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, token string) error {
	f.cancelled = append(f.cancelled, token)
	return nil
}

type sagaFixture struct {
	conn      *gorm.DB
	service   *Service
	scheduler *fakeScheduler
}

func setupSagaService(t *testing.T) *sagaFixture {
	t.Helper()

	conn := setupSagaTestDB(t)
	extraDDL := `
CREATE TABLE outbox_messages (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  payload TEXT NOT NULL,
  correlation_id TEXT NOT NULL,
  idempotency_key TEXT,
  occurred_at DATETIME NOT NULL,
  published_at DATETIME,
  next_attempt_at DATETIME NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  locked_by TEXT,
  locked_until DATETIME,
  failed_at DATETIME
);
CREATE TABLE transaction_timeline (
  id             TEXT PRIMARY KEY,
  transaction_id TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  details_json   TEXT,
  occurred_at    DATETIME NOT NULL,
  correlation_id TEXT,
  source         TEXT NOT NULL
);`
	require.NoError(t, conn.Exec(extraDDL).Error)

	logg := logger.New(logger.Options{ServiceName: "saga-test", Output: io.Discard})
	scheduler := &fakeScheduler{}
	service, err := NewService(ServiceParams{
		DB:        gormTxRunner{conn: conn},
		Repo:      NewRepository(conn),
		Outbox:    outbox.NewService(outbox.NewRepository(conn), logg),
		Scheduler: scheduler,
		Timeline:  timeline.NewWriter(),
		Rules:     NewRules(30*time.Second, 3),
		Logger:    logg,
	})
	require.NoError(t, err)

	return &sagaFixture{conn: conn, service: service, scheduler: scheduler}
}

func createdEvent(txID uuid.UUID) payloads.TransactionCreatedEvent {
	return payloads.TransactionCreatedEvent{
		TransactionID: txID,
		Amount:        decimal.NewFromFloat(99.90),
		Currency:      "USD",
		MerchantID:    "merchant-1",
		CorrelationID: "corr-" + txID.String()[:8],
	}
}

func (f *sagaFixture) outboxEventTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxMessage
	require.NoError(t, f.conn.Order("occurred_at ASC, id ASC").Find(&rows).Error)
	types := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func (f *sagaFixture) loadSaga(t *testing.T, txID uuid.UUID) *models.SagaInstance {
	t.Helper()
	instance, err := NewRepository(f.conn).FindByTransactionID(txID)
	require.NoError(t, err)
	return instance
}

func TestHandleTransactionCreatedStartsWorkflow(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()

	require.NoError(t, f.service.HandleTransactionCreated(ctx, createdEvent(txID)))

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateFraudRequested, instance.CurrentState)
	assert.Equal(t, 0, instance.RetryCount)
	require.NotNil(t, instance.TimeoutTokenID)
	assert.Equal(t, "token-1", *instance.TimeoutTokenID)

	require.Len(t, f.scheduler.scheduled, 1)
	assert.Equal(t, txID.String(), f.scheduler.scheduled[0].key)
	assert.Equal(t, 30*time.Second, f.scheduler.scheduled[0].delay)
	assert.Equal(t, txID, f.scheduler.scheduled[0].payload.TransactionID)

	assert.Equal(t, []enums.OutboxEventType{enums.EventFraudCheckRequested}, f.outboxEventTypes(t))
}

func TestHandleTransactionCreatedDuplicateIsNoOp(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)

	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	// No second timeout armed, no duplicate request queued.
	assert.Len(t, f.scheduler.scheduled, 1)
	assert.Equal(t, []enums.OutboxEventType{enums.EventFraudCheckRequested}, f.outboxEventTypes(t))
}

func TestHandleFraudCheckCompletedApproves(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	err := f.service.HandleFraudCheckCompleted(ctx, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     12,
		Decision:      enums.FraudDecisionApprove,
		Explanation:   "low risk",
		CorrelationID: evt.CorrelationID,
	})
	require.NoError(t, err)

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateCompleted, instance.CurrentState)
	require.NotNil(t, instance.RiskScore)
	assert.Equal(t, 12, *instance.RiskScore)
	assert.Nil(t, instance.TimeoutTokenID)

	// The armed timeout was cancelled after the terminal write committed.
	assert.Equal(t, []string{"token-1"}, f.scheduler.cancelled)
	assert.Equal(t, []enums.OutboxEventType{
		enums.EventFraudCheckRequested,
		enums.EventTransactionApproved,
	}, f.outboxEventTypes(t))
}

func TestHandleFraudCheckCompletedRejects(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	err := f.service.HandleFraudCheckCompleted(ctx, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     93,
		Decision:      enums.FraudDecisionReject,
		Explanation:   "velocity anomaly",
		CorrelationID: evt.CorrelationID,
	})
	require.NoError(t, err)

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateCompleted, instance.CurrentState)
	assert.Equal(t, []enums.OutboxEventType{
		enums.EventFraudCheckRequested,
		enums.EventTransactionRejected,
	}, f.outboxEventTypes(t))
}

func TestHandleFraudCheckCompletedDuplicateIsNoOp(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	completed := payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     12,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: evt.CorrelationID,
	}
	require.NoError(t, f.service.HandleFraudCheckCompleted(ctx, completed))
	require.NoError(t, f.service.HandleFraudCheckCompleted(ctx, completed))

	// Exactly one terminal outcome despite the duplicate delivery.
	assert.Equal(t, []enums.OutboxEventType{
		enums.EventFraudCheckRequested,
		enums.EventTransactionApproved,
	}, f.outboxEventTypes(t))
	assert.Len(t, f.scheduler.cancelled, 1)
}

func TestHandleFraudCheckCompletedUnknownSagaRetries(t *testing.T) {
	f := setupSagaService(t)

	err := f.service.HandleFraudCheckCompleted(context.Background(), payloads.FraudCheckCompletedEvent{
		TransactionID: uuid.New(),
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: "corr-x",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestHandleTimeoutExpiredRetriesThenGivesUp(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	timeoutEvt := payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: txID,
		CorrelationID: evt.CorrelationID,
	}

	// Three firings re-issue the request with doubled delays.
	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.service.HandleTimeoutExpired(ctx, timeoutEvt))

		instance := f.loadSaga(t, txID)
		assert.Equal(t, enums.SagaStateFraudRequested, instance.CurrentState)
		assert.Equal(t, i+1, instance.RetryCount)

		// scheduled[0] is the initial arm from HandleTransactionCreated.
		require.Len(t, f.scheduler.scheduled, i+2)
		assert.Equal(t, wantDelays[i], f.scheduler.scheduled[i+1].delay)
	}

	// The fourth firing exhausts the bound and rejects deterministically.
	require.NoError(t, f.service.HandleTimeoutExpired(ctx, timeoutEvt))

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateTimedOut, instance.CurrentState)
	assert.Equal(t, 4, instance.RetryCount)
	assert.NotNil(t, instance.TimedOutAt)
	assert.Nil(t, instance.TimeoutTokenID)
	assert.Len(t, f.scheduler.scheduled, 4)

	assert.Equal(t, []enums.OutboxEventType{
		enums.EventFraudCheckRequested,
		enums.EventFraudCheckRequested,
		enums.EventFraudCheckRequested,
		enums.EventFraudCheckRequested,
		enums.EventTransactionRejected,
	}, f.outboxEventTypes(t))
}

func TestHandleTimeoutExpiredStaleAfterCompletion(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))
	require.NoError(t, f.service.HandleFraudCheckCompleted(ctx, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     10,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: evt.CorrelationID,
	}))

	// Timeout was in flight when the verdict landed; state-gating drops it.
	require.NoError(t, f.service.HandleTimeoutExpired(ctx, payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: txID,
		CorrelationID: evt.CorrelationID,
	}))

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateCompleted, instance.CurrentState)
	assert.Len(t, f.scheduler.scheduled, 1)
	assert.Equal(t, []enums.OutboxEventType{
		enums.EventFraudCheckRequested,
		enums.EventTransactionApproved,
	}, f.outboxEventTypes(t))
}

func TestHandleTimeoutExpiredUnknownSagaIsNoOp(t *testing.T) {
	f := setupSagaService(t)

	err := f.service.HandleTimeoutExpired(context.Background(), payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: uuid.New(),
		CorrelationID: "corr-orphan",
	})
	require.NoError(t, err)
	assert.Empty(t, f.scheduler.scheduled)
}

func TestLateFraudResponseAfterTimeoutExhaustion(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))

	timeoutEvt := payloads.FraudCheckTimeoutExpiredEvent{TransactionID: txID, CorrelationID: evt.CorrelationID}
	for i := 0; i < 4; i++ {
		require.NoError(t, f.service.HandleTimeoutExpired(ctx, timeoutEvt))
	}
	require.Equal(t, enums.SagaStateTimedOut, f.loadSaga(t, txID).CurrentState)
	rowsBefore := f.outboxEventTypes(t)

	// The collaborator finally answers; the saga is already terminal.
	require.NoError(t, f.service.HandleFraudCheckCompleted(ctx, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     5,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: evt.CorrelationID,
	}))

	instance := f.loadSaga(t, txID)
	assert.Equal(t, enums.SagaStateTimedOut, instance.CurrentState)
	assert.Nil(t, instance.RiskScore)
	assert.Equal(t, rowsBefore, f.outboxEventTypes(t))
}

func TestTimelineRecordsWorkflowHistory(t *testing.T) {
	f := setupSagaService(t)
	ctx := context.Background()
	txID := uuid.New()
	evt := createdEvent(txID)
	require.NoError(t, f.service.HandleTransactionCreated(ctx, evt))
	require.NoError(t, f.service.HandleFraudCheckCompleted(ctx, payloads.FraudCheckCompletedEvent{
		TransactionID: txID,
		RiskScore:     22,
		Decision:      enums.FraudDecisionApprove,
		CorrelationID: evt.CorrelationID,
	}))

	rows, err := timeline.NewRepo(f.conn).ListByTransaction(ctx, txID)
	require.NoError(t, err)

	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	assert.Contains(t, types, string(enums.EventTransactionCreated))
	assert.Contains(t, types, string(enums.EventFraudCheckRequested))
	assert.Contains(t, types, string(enums.EventFraudCheckCompleted))
	assert.Contains(t, types, string(enums.EventTransactionApproved))
}

func TestHandleTransactionCreatedSchedulerFailure(t *testing.T) {
	f := setupSagaService(t)
	f.scheduler.scheduleErr = fmt.Errorf("redis down")

	err := f.service.HandleTransactionCreated(context.Background(), createdEvent(uuid.New()))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Empty(t, f.outboxEventTypes(t))
}
