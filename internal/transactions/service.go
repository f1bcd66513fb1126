package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	pkgerrors "github.com/calderapay/fraudflow-backend/pkg/errors"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
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

// CreateInput is the write-side request for a new payment transaction.
type CreateInput struct {
	ID         uuid.UUID
	Amount     decimal.Decimal
	Currency   string
	MerchantID string
	CustomerIP string
}

// Service owns the transaction aggregate's write side.
type Service struct {
	db     TxRunner
	repo   *Repository
	outbox Emitter
	logg   *logger.Logger
}

func NewService(db TxRunner, repo *Repository, emitter Emitter, logg *logger.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if repo == nil {
		return nil, errors.New("repo is required")
	}
	if emitter == nil {
		return nil, errors.New("outbox is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{db: db, repo: repo, outbox: emitter, logg: logg}, nil
}

// Create inserts the aggregate and queues TransactionCreated in one
// transaction: either both become visible or neither does.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Transaction, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if len(input.Currency) != 3 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency must be a 3-letter code")
	}
	if input.MerchantID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant id is required")
	}

	correlationID := uuid.NewString()
	transaction := &models.Transaction{
		ID:            input.ID,
		Amount:        input.Amount,
		Currency:      input.Currency,
		MerchantID:    input.MerchantID,
		Status:        enums.TransactionStatusPending,
		CorrelationID: correlationID,
	}
	if input.CustomerIP != "" {
		transaction.CustomerIP = input.CustomerIP
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(transaction); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTransactionCreated,
			CorrelationID: correlationID,
			OccurredAt:    time.Now().UTC(),
			Data: payloads.TransactionCreatedEvent{
				TransactionID: transaction.ID,
				Amount:        transaction.Amount,
				Currency:      transaction.Currency,
				MerchantID:    transaction.MerchantID,
				CorrelationID: correlationID,
				CustomerIP:    transaction.CustomerIP,
			},
		})
	})
	if errors.Is(err, ErrAlreadyExists) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "transaction already exists")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating transaction")
	}

	logCtx := s.logg.WithCorrelationID(ctx, correlationID)
	logCtx = s.logg.WithTransactionID(logCtx, transaction.ID.String())
	s.logg.Info(logCtx, "transaction created")
	return transaction, nil
}
