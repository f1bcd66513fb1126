package main

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
	"github.com/calderapay/fraudflow-backend/pkg/timeout"
)

// timeoutHandler is the saga surface the asynq worker feeds.
type timeoutHandler interface {
	HandleTimeoutExpired(ctx context.Context, evt payloads.FraudCheckTimeoutExpiredEvent) error
}

// newTimeoutMux registers the fraud-check timeout task. Returning an error
// from the handler makes asynq redeliver the task, so only retryable
// failures propagate; everything else is logged and swallowed.
func newTimeoutMux(saga timeoutHandler, logg *logger.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(timeout.TaskTypeFraudCheckTimeout, func(ctx context.Context, task *asynq.Task) error {
		var evt payloads.FraudCheckTimeoutExpiredEvent
		if err := json.Unmarshal(task.Payload(), &evt); err != nil {
			logg.Error(ctx, "failed to decode timeout payload", err)
			return nil
		}
		ctx = logg.WithCorrelationID(ctx, evt.CorrelationID)
		ctx = logg.WithTransactionID(ctx, evt.TransactionID.String())

		if err := saga.HandleTimeoutExpired(ctx, evt); err != nil {
			if pkgerrors.IsRetryable(err) {
				logg.Error(ctx, "timeout handling failed, will retry", err)
				return err
			}
			logg.Error(ctx, "timeout handling failed terminally", err)
			return nil
		}
		return nil
	})
	return mux
}
