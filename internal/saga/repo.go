package saga

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/calderapay/fraudflow-backend/pkg/db"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
)

var (
	// ErrNotFound means no saga exists for the transaction.
	ErrNotFound = errors.New("saga instance not found")
	// ErrAlreadyExists means a saga was already created for the transaction,
	// which makes the creating delivery a duplicate.
	ErrAlreadyExists = errors.New("saga instance already exists")
	// ErrVersionConflict means the row changed since it was loaded. The
	// caller must let the message redeliver and re-evaluate from fresh state.
	ErrVersionConflict = errors.New("saga version conflict")
)

// Repository persists saga instances. Every mutation is conditional on the
// version the caller loaded; there is no unconditional update path.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// Create inserts a new saga instance. The unique index on transaction_id
// turns duplicate creation into ErrAlreadyExists.
func (r *Repository) Create(instance *models.SagaInstance) error {
	if instance == nil {
		return errors.New("instance required")
	}
	if instance.CorrelationID == uuid.Nil {
		instance.CorrelationID = uuid.New()
	}
	if instance.Version == 0 {
		instance.Version = 1
	}
	if err := r.db.Create(instance).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_saga_instances_transaction_id") {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// FindByTransactionID loads the saga for a transaction.
func (r *Repository) FindByTransactionID(transactionID uuid.UUID) (*models.SagaInstance, error) {
	if transactionID == uuid.Nil {
		return nil, errors.New("transaction id required")
	}
	var instance models.SagaInstance
	err := r.db.Where("transaction_id = ?", transactionID).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &instance, nil
}

// UpdateWithVersion persists the instance conditionally on loadedVersion
// still being current, bumping version by one. Zero rows affected means a
// concurrent writer won and the caller gets ErrVersionConflict.
func (r *Repository) UpdateWithVersion(instance *models.SagaInstance, loadedVersion int) error {
	if instance == nil {
		return errors.New("instance required")
	}
	if loadedVersion < 1 {
		return errors.New("loaded version must be positive")
	}

	updates := map[string]any{
		"current_state":     instance.CurrentState,
		"risk_score":        instance.RiskScore,
		"fraud_explanation": instance.FraudExplanation,
		"retry_count":       instance.RetryCount,
		"timeout_token_id":  instance.TimeoutTokenID,
		"timed_out_at":      instance.TimedOutAt,
		"version":           loadedVersion + 1,
		"updated_at":        time.Now().UTC(),
	}
	res := r.db.Model(&models.SagaInstance{}).
		Where("correlation_id = ? AND version = ?", instance.CorrelationID, loadedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	instance.Version = loadedVersion + 1
	return nil
}
