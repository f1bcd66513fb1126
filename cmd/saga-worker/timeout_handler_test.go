package main

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
	"github.com/calderapay/fraudflow-backend/pkg/timeout"
)

type fakeTimeoutSaga struct {
	handled []payloads.FraudCheckTimeoutExpiredEvent
	err     error
}

func (f *fakeTimeoutSaga) HandleTimeoutExpired(_ context.Context, evt payloads.FraudCheckTimeoutExpiredEvent) error {
	f.handled = append(f.handled, evt)
	return f.err
}

func timeoutTask(t *testing.T, evt payloads.FraudCheckTimeoutExpiredEvent) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return asynq.NewTask(timeout.TaskTypeFraudCheckTimeout, data)
}

func testMux(saga timeoutHandler) *asynq.ServeMux {
	return newTimeoutMux(saga, logger.New(logger.Options{ServiceName: "saga-worker-test", Output: io.Discard}))
}

func TestTimeoutMuxDispatchesToSaga(t *testing.T) {
	saga := &fakeTimeoutSaga{}
	mux := testMux(saga)

	txID := uuid.New()
	err := mux.ProcessTask(context.Background(), timeoutTask(t, payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: txID,
		CorrelationID: "corr-9",
	}))
	require.NoError(t, err)
	require.Len(t, saga.handled, 1)
	assert.Equal(t, txID, saga.handled[0].TransactionID)
}

func TestTimeoutMuxSwallowsMalformedPayload(t *testing.T) {
	saga := &fakeTimeoutSaga{}
	mux := testMux(saga)

	err := mux.ProcessTask(context.Background(), asynq.NewTask(timeout.TaskTypeFraudCheckTimeout, []byte(`{broken`)))
	require.NoError(t, err)
	assert.Empty(t, saga.handled)
}

func TestTimeoutMuxPropagatesRetryableFailure(t *testing.T) {
	saga := &fakeTimeoutSaga{err: pkgerrors.New(pkgerrors.CodeVersionConflict, "stale saga version")}
	mux := testMux(saga)

	err := mux.ProcessTask(context.Background(), timeoutTask(t, payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: uuid.New(),
		CorrelationID: "corr-9",
	}))
	require.Error(t, err)
}

func TestTimeoutMuxSwallowsTerminalFailure(t *testing.T) {
	saga := &fakeTimeoutSaga{err: pkgerrors.New(pkgerrors.CodeStateConflict, "terminal state")}
	mux := testMux(saga)

	err := mux.ProcessTask(context.Background(), timeoutTask(t, payloads.FraudCheckTimeoutExpiredEvent{
		TransactionID: uuid.New(),
		CorrelationID: "corr-9",
	}))
	require.NoError(t, err)
}
