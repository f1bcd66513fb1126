package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

type gormTxRunner struct {
	conn *gorm.DB
}

func (r gormTxRunner) DB() *gorm.DB { return r.conn }

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.conn.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "transactions-test", Output: io.Discard})
}

func newTestService(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	logg := testLogger()
	service, err := NewService(
		gormTxRunner{conn: conn},
		NewRepository(conn),
		outbox.NewService(outbox.NewRepository(conn), logg),
		logg,
	)
	require.NoError(t, err)
	return service
}

func TestCreatePersistsAggregateAndQueuesEvent(t *testing.T) {
	conn := setupTransactionsTestDB(t)
	service := newTestService(t, conn)

	transaction, err := service.Create(context.Background(), CreateInput{
		Amount:     decimal.NewFromFloat(250.00),
		Currency:   "USD",
		MerchantID: "merchant-3",
		CustomerIP: "192.0.2.4",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusPending, transaction.Status)
	assert.NotEmpty(t, transaction.CorrelationID)

	var messages []models.OutboxMessage
	require.NoError(t, conn.Find(&messages).Error)
	require.Len(t, messages, 1)
	assert.Equal(t, enums.EventTransactionCreated, messages[0].EventType)
	assert.Equal(t, transaction.CorrelationID, messages[0].CorrelationID)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(messages[0].Payload, &envelope))
	var payload payloads.TransactionCreatedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, transaction.ID, payload.TransactionID)
	assert.True(t, decimal.NewFromFloat(250.00).Equal(payload.Amount))
}

func TestCreateRollsBackAggregateWhenEmitFails(t *testing.T) {
	conn := setupTransactionsTestDB(t)
	logg := testLogger()
	service, err := NewService(
		gormTxRunner{conn: conn},
		NewRepository(conn),
		failingEmitter{},
		logg,
	)
	require.NoError(t, err)

	_, err = service.Create(context.Background(), CreateInput{
		Amount:     decimal.NewFromFloat(10),
		Currency:   "USD",
		MerchantID: "merchant-3",
	})
	require.Error(t, err)

	// Neither the aggregate nor the event became visible.
	var count int64
	require.NoError(t, conn.Model(&models.Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCreateValidatesInput(t *testing.T) {
	conn := setupTransactionsTestDB(t)
	service := newTestService(t, conn)
	ctx := context.Background()

	_, err := service.Create(ctx, CreateInput{Amount: decimal.Zero, Currency: "USD", MerchantID: "m"})
	require.Error(t, err)

	_, err = service.Create(ctx, CreateInput{Amount: decimal.NewFromFloat(5), Currency: "USDT", MerchantID: "m"})
	require.Error(t, err)

	_, err = service.Create(ctx, CreateInput{Amount: decimal.NewFromFloat(5), Currency: "USD"})
	require.Error(t, err)
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, *gorm.DB, outbox.DomainEvent) error {
	return errors.New("outbox unavailable")
}
