package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
)

// Repository owns the outbox_messages table. Writers only insert (inside
// their own transaction); the publisher claims and mutates rows afterwards.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends a message inside the caller's transaction so the event is
// durably queued atomically with the domain change that produced it.
func (r *Repository) Insert(tx *gorm.DB, message models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	return tx.Create(&message).Error
}

// ClaimBatch atomically selects up to limit eligible rows and stamps them
// with this worker's lease. Eligible means unpublished, not poisoned, due,
// and not held by a live lease. Row locks are skipped so that concurrent
// publisher instances partition the pool instead of blocking on it.
func (r *Repository) ClaimBatch(tx *gorm.DB, limit int, lockedBy string, lease time.Duration, now time.Time) ([]models.OutboxMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if limit <= 0 {
		return nil, nil
	}

	query := tx.
		Where("published_at IS NULL").
		Where("failed_at IS NULL").
		Where("next_attempt_at <= ?", now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("occurred_at ASC").
		Order("id ASC").
		Limit(limit)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []models.OutboxMessage
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lockedUntil := now.Add(lease)
	err := tx.Model(&models.OutboxMessage{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"locked_by":    lockedBy,
			"locked_until": lockedUntil,
		}).Error
	if err != nil {
		return nil, err
	}

	for i := range rows {
		by := lockedBy
		until := lockedUntil
		rows[i].LockedBy = &by
		rows[i].LockedUntil = &until
	}
	return rows, nil
}

// MarkPublished stamps published_at exactly once and releases the lease. A
// row already marked published is left untouched.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND published_at IS NULL", id).
		Updates(map[string]any{
			"published_at": now,
			"locked_by":    nil,
			"locked_until": nil,
		}).Error
}

// MarkFailed records a retryable publish failure: bumps the attempt count,
// schedules the next attempt and releases the lease.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, publishErr error, nextAttemptAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      truncateError(publishErr),
			"next_attempt_at": nextAttemptAt,
			"locked_by":       nil,
			"locked_until":    nil,
		}).Error
}

// MarkPoisoned sets failed_at, excluding the row from any further claims.
// Poisoned rows require manual operator action.
func (r *Repository) MarkPoisoned(ctx context.Context, id uuid.UUID, publishErr error, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND failed_at IS NULL", id).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    truncateError(publishErr),
			"failed_at":     now,
			"locked_by":     nil,
			"locked_until":  nil,
		}).Error
}

// Release clears the lease without recording an attempt. Used when a row is
// skipped (for example an unregistered event type) and should stay
// unpublished for investigation; nextAttemptAt defers the next claim so the
// loop does not spin on it.
func (r *Repository) Release(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"next_attempt_at": nextAttemptAt,
			"locked_by":       nil,
			"locked_until":    nil,
		}).Error
}

const maxStoredErrorLen = 1024

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return &msg
}
