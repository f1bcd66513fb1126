package inbox

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
)

// Guard is the idempotency boundary for every outcome consumer. Inserting the
// message id claims the message; the uniqueness constraint is the only
// coordination primitive. Running the insert in the same transaction as the
// side effect makes claim and effect atomic under at-least-once delivery.
type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// TryBegin attempts to claim messageID inside the caller's transaction.
// It returns true when the caller may proceed with side effects, and false
// when the message is a duplicate and must be acknowledged without
// reprocessing. The conflict is absorbed with ON CONFLICT DO NOTHING so a
// duplicate does not abort the surrounding transaction.
func (g *Guard) TryBegin(tx *gorm.DB, messageID string) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if messageID == "" {
		return false, errors.New("message id required")
	}
	row := models.InboxMessage{
		MessageID:   messageID,
		ProcessedAt: time.Now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
