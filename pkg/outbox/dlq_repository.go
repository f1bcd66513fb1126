package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
)

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// Insert copies a poisoned message for operator remediation.
func (r *DLQRepository) Insert(ctx context.Context, entry models.OutboxDLQ) error {
	if entry.ErrorMessage != nil && len(*entry.ErrorMessage) > maxStoredErrorLen {
		msg := (*entry.ErrorMessage)[:maxStoredErrorLen]
		entry.ErrorMessage = &msg
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

// FindByMessageID returns the DLQ entry for an outbox message, or nil.
func (r *DLQRepository) FindByMessageID(ctx context.Context, messageID uuid.UUID) (*models.OutboxDLQ, error) {
	var dlq models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&dlq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dlq, nil
}

// List returns the most recent DLQ entries.
func (r *DLQRepository) List(ctx context.Context, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
