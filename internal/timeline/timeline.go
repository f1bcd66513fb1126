package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
)

// Source values identify which component appended an entry.
const (
	SourceSaga            = "saga"
	SourceOutcomeConsumer = "outcome-consumer"
)

// Entry is one append-only timeline record before persistence.
type Entry struct {
	TransactionID uuid.UUID
	EventType     string
	Details       any
	CorrelationID string
	Source        string
	OccurredAt    time.Time
}

// Writer appends timeline rows. Callers treat failures as log-only: the
// timeline is a support artifact, never a correctness dependency.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts one timeline row on the given connection.
func (w *Writer) Append(ctx context.Context, conn *gorm.DB, entry Entry) error {
	if conn == nil {
		return errors.New("db connection required")
	}
	if entry.TransactionID == uuid.Nil {
		return errors.New("transaction id required")
	}
	if entry.EventType == "" {
		return errors.New("event type required")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	var details json.RawMessage
	if entry.Details != nil {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		details = raw
	}

	row := models.TimelineEntry{
		ID:            uuid.New(),
		TransactionID: entry.TransactionID,
		EventType:     entry.EventType,
		DetailsJSON:   details,
		OccurredAt:    entry.OccurredAt,
		Source:        entry.Source,
	}
	if entry.CorrelationID != "" {
		row.CorrelationID = &entry.CorrelationID
	}
	return conn.WithContext(ctx).Create(&row).Error
}

// Repo serves the read side used by support tooling.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ListByTransaction returns the full history of a transaction in occurrence
// order.
func (r *Repo) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.TimelineEntry, error) {
	if transactionID == uuid.Nil {
		return nil, errors.New("transaction id required")
	}
	var rows []models.TimelineEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("occurred_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
