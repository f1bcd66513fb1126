package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
)

// DomainEvent is an event to be queued for publication. CorrelationID is
// mandatory: every contract carries it for cross-service log correlation.
type DomainEvent struct {
	EventType      enums.OutboxEventType
	CorrelationID  string
	IdempotencyKey *string
	Data           interface{}
	Version        int
	OccurredAt     time.Time
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit queues the event inside the caller's transaction. The insert commits
// or rolls back together with the domain mutation, which is what makes
// "write to DB" and "emit event" atomic to outside observers.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !event.EventType.IsValid() {
		return errors.New("event type required")
	}
	if event.CorrelationID == "" {
		return errors.New("correlation id required")
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	envelope := PayloadEnvelope{
		Version:       event.Version,
		EventID:       uuid.NewString(),
		OccurredAt:    event.OccurredAt,
		CorrelationID: event.CorrelationID,
		Data:          payload,
	}
	payloadJSON, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	row := models.OutboxMessage{
		EventType:      event.EventType,
		Payload:        json.RawMessage(payloadJSON),
		CorrelationID:  event.CorrelationID,
		IdempotencyKey: event.IdempotencyKey,
		OccurredAt:     event.OccurredAt,
		NextAttemptAt:  event.OccurredAt,
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_id":       envelope.EventID,
			"event_type":     event.EventType,
			"correlation_id": event.CorrelationID,
		})
		s.logg.Info(logCtx, "outbox message queued")
	}
	return nil
}
