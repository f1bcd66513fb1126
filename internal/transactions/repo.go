package transactions

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/calderapay/fraudflow-backend/pkg/db"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
)

var (
	// ErrNotFound means no transaction exists with the given id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyExists means a transaction with the id was already created.
	ErrAlreadyExists = errors.New("transaction already exists")
)

// Decision is the terminal outcome applied to a transaction aggregate.
type Decision struct {
	Status      enums.TransactionStatus
	RiskScore   int
	Reason      *string
	Explanation *string
	DecidedAt   time.Time
}

// Repository persists transaction aggregates.
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

// Create inserts a new pending transaction.
func (r *Repository) Create(transaction *models.Transaction) error {
	if transaction == nil {
		return errors.New("transaction required")
	}
	if transaction.ID == uuid.Nil {
		transaction.ID = uuid.New()
	}
	if transaction.Status == "" {
		transaction.Status = enums.TransactionStatusPending
	}
	if err := r.db.Create(transaction).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "transactions_pkey") {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// FindByID loads a transaction.
func (r *Repository) FindByID(id uuid.UUID) (*models.Transaction, error) {
	if id == uuid.Nil {
		return nil, errors.New("transaction id required")
	}
	var transaction models.Transaction
	if err := r.db.Where("id = ?", id).First(&transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

// ApplyDecision moves a pending transaction to its terminal status. The
// status guard in the WHERE clause makes re-application a no-op; the bool
// result reports whether this call performed the move.
func (r *Repository) ApplyDecision(id uuid.UUID, decision Decision) (bool, error) {
	if id == uuid.Nil {
		return false, errors.New("transaction id required")
	}
	if !decision.Status.IsValid() || decision.Status == enums.TransactionStatusPending {
		return false, errors.New("decision status must be terminal")
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	res := r.db.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionStatusPending).
		Updates(map[string]any{
			"status":          decision.Status,
			"risk_score":      decision.RiskScore,
			"decision_reason": decision.Reason,
			"explanation":     decision.Explanation,
			"decided_at":      decision.DecidedAt,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
