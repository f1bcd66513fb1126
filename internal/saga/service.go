package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/internal/timeline"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/metrics"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

// TxRunner is the transactional surface of the database client.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	DB() *gorm.DB
}

// Emitter queues domain events inside a transaction.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// TimeoutScheduler arms and cancels durable timeouts.
type TimeoutScheduler interface {
	Schedule(ctx context.Context, correlationKey string, delay time.Duration, payload any) (string, error)
	Cancel(ctx context.Context, token string) error
}

// ServiceParams wires the saga service dependencies.
type ServiceParams struct {
	DB        TxRunner
	Repo      *Repository
	Outbox    Emitter
	Scheduler TimeoutScheduler
	Timeline  *timeline.Writer
	Rules     Rules
	Metrics   *metrics.SagaMetrics
	Logger    *logger.Logger
}

// Service advances saga instances in response to lifecycle events and fired
// timeouts. All handlers are safe under at-least-once delivery: duplicates
// and stale events are state-gated no-ops, concurrent writers lose on the
// version check and redeliver.
type Service struct {
	db        TxRunner
	repo      *Repository
	outbox    Emitter
	scheduler TimeoutScheduler
	timeline  *timeline.Writer
	rules     Rules
	metrics   *metrics.SagaMetrics
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		db:        params.DB,
		repo:      params.Repo,
		outbox:    params.Outbox,
		scheduler: params.Scheduler,
		timeline:  params.Timeline,
		rules:     params.Rules,
		metrics:   params.Metrics,
		logg:      params.Logger,
	}, nil
}

// HandleTransactionCreated starts a workflow for a new transaction. The
// timeout is armed before the saga row commits; if the commit never happens
// the orphaned timeout fires against a missing saga and no-ops.
func (s *Service) HandleTransactionCreated(ctx context.Context, evt payloads.TransactionCreatedEvent) error {
	ctx = s.logg.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = s.logg.WithTransactionID(ctx, evt.TransactionID.String())

	if _, err := s.repo.FindByTransactionID(evt.TransactionID); err == nil {
		s.logg.Info(ctx, "saga already exists, duplicate delivery ignored")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading saga")
	}

	decision := s.rules.OnTransactionCreated()
	token, err := s.armTimeout(ctx, decision.Effects, evt.TransactionID, evt.CorrelationID)
	if err != nil {
		return err
	}

	instance := &models.SagaInstance{
		TransactionID:  evt.TransactionID,
		CorrelationKey: evt.CorrelationID,
		CurrentState:   decision.NextState,
		Amount:         evt.Amount,
		Currency:       evt.Currency,
		MerchantID:     evt.MerchantID,
		TimeoutTokenID: token,
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(instance); err != nil {
			return err
		}
		return s.emitEffects(ctx, tx, decision.Effects, instance)
	})
	if errors.Is(err, ErrAlreadyExists) {
		s.cancelToken(ctx, token)
		s.logg.Info(ctx, "saga already exists, duplicate delivery ignored")
		return nil
	}
	if err != nil {
		s.cancelToken(ctx, token)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating saga")
	}

	s.metrics.IncTransition(string(enums.SagaStateSubmitted), string(decision.NextState))
	s.appendTimeline(ctx, timeline.Entry{
		TransactionID: evt.TransactionID,
		EventType:     string(enums.EventTransactionCreated),
		Details:       map[string]any{"amount": evt.Amount, "currency": evt.Currency, "merchant_id": evt.MerchantID},
		CorrelationID: evt.CorrelationID,
		Source:        timeline.SourceSaga,
	})
	s.appendTimeline(ctx, timeline.Entry{
		TransactionID: evt.TransactionID,
		EventType:     string(enums.EventFraudCheckRequested),
		CorrelationID: evt.CorrelationID,
		Source:        timeline.SourceSaga,
	})
	s.logg.Info(ctx, "saga started, fraud check requested")
	return nil
}

// HandleFraudCheckCompleted finalizes the saga with the collaborator's
// verdict and cancels the armed timeout after commit.
func (s *Service) HandleFraudCheckCompleted(ctx context.Context, evt payloads.FraudCheckCompletedEvent) error {
	ctx = s.logg.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = s.logg.WithTransactionID(ctx, evt.TransactionID.String())

	instance, err := s.repo.FindByTransactionID(evt.TransactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The creating event may still be in flight; redeliver.
			return pkgerrors.New(pkgerrors.CodeDependency, "saga not found for fraud result")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading saga")
	}

	decision := s.rules.OnFraudCheckCompleted(instance.CurrentState, evt.Decision)
	if decision.Ignore {
		s.logg.Info(s.logg.WithField(ctx, "reason", decision.IgnoreReason), "fraud result ignored")
		return nil
	}

	loadedVersion := instance.Version
	previousState := instance.CurrentState
	supersededToken := instance.TimeoutTokenID

	riskScore := evt.RiskScore
	instance.RiskScore = &riskScore
	if evt.Explanation != "" {
		explanation := evt.Explanation
		instance.FraudExplanation = &explanation
	}
	instance.CurrentState = decision.NextState
	instance.TimeoutTokenID = nil

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).UpdateWithVersion(instance, loadedVersion); err != nil {
			return err
		}
		return s.emitEffects(ctx, tx, decision.Effects, instance)
	})
	if errors.Is(err, ErrVersionConflict) {
		s.metrics.IncVersionConflict()
		return pkgerrors.Wrap(pkgerrors.CodeVersionConflict, err, "applying fraud result")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "applying fraud result")
	}

	if hasEffect(decision.Effects, EffectCancelTimeout) {
		s.cancelToken(ctx, supersededToken)
	}
	s.metrics.IncTransition(string(previousState), string(decision.NextState))
	s.appendTimeline(ctx, timeline.Entry{
		TransactionID: evt.TransactionID,
		EventType:     string(enums.EventFraudCheckCompleted),
		Details:       map[string]any{"risk_score": evt.RiskScore, "decision": evt.Decision},
		CorrelationID: evt.CorrelationID,
		Source:        timeline.SourceSaga,
	})
	s.appendOutcomeTimeline(ctx, evt.TransactionID, evt.CorrelationID, decision.Effects)
	s.logg.Info(ctx, "saga completed with fraud verdict")
	return nil
}

// HandleTimeoutExpired handles a fired durable timeout: either re-issue the
// fraud check with a doubled delay or give up and reject the transaction.
func (s *Service) HandleTimeoutExpired(ctx context.Context, evt payloads.FraudCheckTimeoutExpiredEvent) error {
	ctx = s.logg.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = s.logg.WithTransactionID(ctx, evt.TransactionID.String())

	instance, err := s.repo.FindByTransactionID(evt.TransactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The saga transaction never committed; the timeout is orphaned.
			s.logg.Warn(ctx, "timeout fired for unknown saga, ignoring")
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading saga")
	}

	decision := s.rules.OnTimeoutExpired(instance.CurrentState, instance.RetryCount)
	if decision.Ignore {
		s.metrics.IncTimeout("stale")
		s.logg.Info(s.logg.WithField(ctx, "reason", decision.IgnoreReason), "timeout ignored")
		return nil
	}

	loadedVersion := instance.Version
	previousState := instance.CurrentState
	if decision.IncrementRetry {
		instance.RetryCount++
	}
	instance.CurrentState = decision.NextState

	token, err := s.armTimeout(ctx, decision.Effects, evt.TransactionID, evt.CorrelationID)
	if err != nil {
		return err
	}
	instance.TimeoutTokenID = token
	if decision.NextState == enums.SagaStateTimedOut {
		now := time.Now().UTC()
		instance.TimedOutAt = &now
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).UpdateWithVersion(instance, loadedVersion); err != nil {
			return err
		}
		return s.emitEffects(ctx, tx, decision.Effects, instance)
	})
	if errors.Is(err, ErrVersionConflict) {
		s.cancelToken(ctx, token)
		s.metrics.IncVersionConflict()
		return pkgerrors.Wrap(pkgerrors.CodeVersionConflict, err, "applying timeout")
	}
	if err != nil {
		s.cancelToken(ctx, token)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "applying timeout")
	}

	if decision.NextState == enums.SagaStateTimedOut {
		s.metrics.IncTimeout("gave_up")
	} else {
		s.metrics.IncTimeout("retry")
		s.metrics.IncRetry()
	}
	s.metrics.IncTransition(string(previousState), string(decision.NextState))
	s.appendTimeline(ctx, timeline.Entry{
		TransactionID: evt.TransactionID,
		EventType:     string(enums.EventFraudCheckTimeoutExpired),
		Details:       map[string]any{"retry_count": instance.RetryCount},
		CorrelationID: evt.CorrelationID,
		Source:        timeline.SourceSaga,
	})
	s.appendOutcomeTimeline(ctx, evt.TransactionID, evt.CorrelationID, decision.Effects)
	s.logg.Info(ctx, "fraud check timeout handled")
	return nil
}

// armTimeout schedules the timeout described by the effects, if any.
func (s *Service) armTimeout(ctx context.Context, effects []Effect, transactionID uuid.UUID, correlationID string) (*string, error) {
	for _, eff := range effects {
		if eff.Kind != EffectArmTimeout {
			continue
		}
		payload := payloads.FraudCheckTimeoutExpiredEvent{
			TransactionID: transactionID,
			CorrelationID: correlationID,
		}
		token, err := s.scheduler.Schedule(ctx, transactionID.String(), eff.TimeoutDelay, payload)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "arming fraud check timeout")
		}
		return &token, nil
	}
	return nil, nil
}

// emitEffects queues the publish effects into the outbox inside tx.
func (s *Service) emitEffects(ctx context.Context, tx *gorm.DB, effects []Effect, instance *models.SagaInstance) error {
	now := time.Now().UTC()
	for _, eff := range effects {
		var (
			eventType enums.OutboxEventType
			data      any
		)
		switch eff.Kind {
		case EffectPublishFraudCheckRequested:
			eventType = enums.EventFraudCheckRequested
			data = payloads.FraudCheckRequestedEvent{
				TransactionID: instance.TransactionID,
				Amount:        instance.Amount,
				Currency:      instance.Currency,
				MerchantID:    instance.MerchantID,
				CorrelationID: instance.CorrelationKey,
			}
		case EffectPublishTransactionApproved:
			eventType = enums.EventTransactionApproved
			data = payloads.TransactionApprovedEvent{
				TransactionID: instance.TransactionID,
				RiskScore:     riskScoreValue(instance),
				Explanation:   explanationValue(instance),
				CorrelationID: instance.CorrelationKey,
				OccurredAt:    now,
			}
		case EffectPublishTransactionRejected:
			eventType = enums.EventTransactionRejected
			data = payloads.TransactionRejectedEvent{
				TransactionID: instance.TransactionID,
				RiskScore:     riskScoreValue(instance),
				Reason:        eff.RejectReason,
				Explanation:   explanationValue(instance),
				CorrelationID: instance.CorrelationKey,
				OccurredAt:    now,
			}
		default:
			continue
		}
		err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			CorrelationID: instance.CorrelationKey,
			Data:          data,
			OccurredAt:    now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// appendOutcomeTimeline records the terminal outcome when the effects
// published one.
func (s *Service) appendOutcomeTimeline(ctx context.Context, transactionID uuid.UUID, correlationID string, effects []Effect) {
	for _, eff := range effects {
		var eventType string
		switch eff.Kind {
		case EffectPublishTransactionApproved:
			eventType = string(enums.EventTransactionApproved)
		case EffectPublishTransactionRejected:
			eventType = string(enums.EventTransactionRejected)
		default:
			continue
		}
		entry := timeline.Entry{
			TransactionID: transactionID,
			EventType:     eventType,
			CorrelationID: correlationID,
			Source:        timeline.SourceSaga,
		}
		if eff.Kind == EffectPublishTransactionRejected {
			entry.Details = map[string]any{"reason": eff.RejectReason}
		}
		s.appendTimeline(ctx, entry)
	}
}

func (s *Service) appendTimeline(ctx context.Context, entry timeline.Entry) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, s.db.DB(), entry); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "event_type", entry.EventType), "timeline append failed")
	}
}

func (s *Service) cancelToken(ctx context.Context, token *string) {
	if token == nil || *token == "" {
		return
	}
	if err := s.scheduler.Cancel(ctx, *token); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "timeout_token", *token), "timeout cancel failed")
	}
}

func hasEffect(effects []Effect, kind EffectKind) bool {
	for _, eff := range effects {
		if eff.Kind == kind {
			return true
		}
	}
	return false
}

func riskScoreValue(instance *models.SagaInstance) int {
	if instance.RiskScore == nil {
		return 0
	}
	return *instance.RiskScore
}

func explanationValue(instance *models.SagaInstance) string {
	if instance.FraudExplanation == nil {
		return ""
	}
	return *instance.FraudExplanation
}
