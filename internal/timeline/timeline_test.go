package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTimelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
CREATE TABLE transaction_timeline (
  id             TEXT PRIMARY KEY,
  transaction_id TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  details_json   TEXT,
  occurred_at    DATETIME NOT NULL,
  correlation_id TEXT,
  source         TEXT NOT NULL
);`
	require.NoError(t, conn.Exec(ddl).Error)
	return conn
}

func TestAppendAndListOrdered(t *testing.T) {
	conn := setupTimelineTestDB(t)
	writer := NewWriter()
	repo := NewRepo(conn)
	ctx := context.Background()

	txID := uuid.New()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inserted out of order on purpose; the read side orders by occurrence.
	entries := []Entry{
		{TransactionID: txID, EventType: "fraud_check_requested", OccurredAt: base.Add(time.Second), Source: SourceSaga},
		{TransactionID: txID, EventType: "transaction_created", OccurredAt: base, Source: SourceSaga, CorrelationID: "corr-1"},
		{TransactionID: txID, EventType: "transaction_approved", OccurredAt: base.Add(2 * time.Second), Source: SourceOutcomeConsumer},
	}
	for _, entry := range entries {
		require.NoError(t, writer.Append(ctx, conn, entry))
	}

	rows, err := repo.ListByTransaction(ctx, txID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "transaction_created", rows[0].EventType)
	assert.Equal(t, "fraud_check_requested", rows[1].EventType)
	assert.Equal(t, "transaction_approved", rows[2].EventType)
	require.NotNil(t, rows[0].CorrelationID)
	assert.Equal(t, "corr-1", *rows[0].CorrelationID)
}

func TestAppendSerializesDetails(t *testing.T) {
	conn := setupTimelineTestDB(t)
	writer := NewWriter()
	repo := NewRepo(conn)
	ctx := context.Background()

	txID := uuid.New()
	err := writer.Append(ctx, conn, Entry{
		TransactionID: txID,
		EventType:     "fraud_check_completed",
		Details:       map[string]any{"risk_score": 42, "decision": "approve"},
		Source:        SourceSaga,
	})
	require.NoError(t, err)

	rows, err := repo.ListByTransaction(ctx, txID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"risk_score":42,"decision":"approve"}`, string(rows[0].DetailsJSON))
	assert.False(t, rows[0].OccurredAt.IsZero())
}

func TestAppendScopesToTransaction(t *testing.T) {
	conn := setupTimelineTestDB(t)
	writer := NewWriter()
	repo := NewRepo(conn)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, writer.Append(ctx, conn, Entry{TransactionID: first, EventType: "transaction_created", Source: SourceSaga}))
	require.NoError(t, writer.Append(ctx, conn, Entry{TransactionID: second, EventType: "transaction_created", Source: SourceSaga}))

	rows, err := repo.ListByTransaction(ctx, first)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAppendValidatesInput(t *testing.T) {
	conn := setupTimelineTestDB(t)
	writer := NewWriter()
	ctx := context.Background()

	require.Error(t, writer.Append(ctx, nil, Entry{TransactionID: uuid.New(), EventType: "x"}))
	require.Error(t, writer.Append(ctx, conn, Entry{EventType: "x"}))
	require.Error(t, writer.Append(ctx, conn, Entry{TransactionID: uuid.New()}))
}
