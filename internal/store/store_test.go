package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	st, err := NewGormStore(zap.NewNop(), db)
	require.NoError(t, err)
	return st
}

func testTransaction(status models.TransactionStatus) *models.Transaction {
	return &models.Transaction{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		InstrumentID: uuid.New(),
		Amount:       decimal.NewFromInt(100),
		Currency:     "USD",
		Status:       status,
		Type:         models.TypePayment,
		InitiatedAt:  time.Now().UTC(),
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := testTransaction(models.StatusProcessing)
	tx.Attempts = []models.AttemptRecord{
		{Index: 0, Provider: "stripe", IdempotencyKey: tx.ID.String() + ":0", StartedAt: time.Now().UTC(), Error: "declined"},
		{Index: 1, Provider: "adyen", IdempotencyKey: tx.ID.String() + ":1", StartedAt: time.Now().UTC(), Succeeded: true},
	}
	tx.Metadata = map[string]string{"provider_transaction_id": "pt-123"}
	require.NoError(t, st.CreateTransaction(ctx, tx))

	got, err := st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.True(t, got.Amount.Equal(tx.Amount))
	require.Len(t, got.Attempts, 2, "the attempt trail survives serialization")
	assert.Equal(t, "declined", got.Attempts[0].Error)
	assert.True(t, got.Attempts[1].Succeeded)
	assert.Equal(t, "pt-123", got.Metadata["provider_transaction_id"])
}

func TestGetTransactionNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetTransaction(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestUpdateStatusIf(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := testTransaction(models.StatusPending)
	require.NoError(t, st.CreateTransaction(ctx, tx))

	t.Run("MatchingStatusUpdates", func(t *testing.T) {
		tx.Status = models.StatusProcessing
		require.NoError(t, st.UpdateStatusIf(ctx, tx, models.StatusPending))

		got, err := st.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
	})

	t.Run("StaleStatusConflicts", func(t *testing.T) {
		// The record is processing now; a writer that still believes it
		// is pending must lose.
		tx.Status = models.StatusCancelled
		err := st.UpdateStatusIf(ctx, tx, models.StatusPending)
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))

		got, err := st.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status, "a lost race leaves the record unchanged")
	})
}

func TestUpdateEscrowIf(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := testTransaction(models.StatusHeld)
	tx.Escrow = models.EscrowDescriptor{Enabled: true, RemainingAmount: tx.Amount}
	require.NoError(t, st.CreateTransaction(ctx, tx))

	t.Run("MatchingStateUpdates", func(t *testing.T) {
		tx.Escrow.ReleasedAmount = decimal.NewFromInt(40)
		tx.Escrow.RemainingAmount = decimal.NewFromInt(60)
		require.NoError(t, st.UpdateEscrowIf(ctx, tx, models.StatusHeld, decimal.Zero))

		got, err := st.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, got.Escrow.ReleasedAmount.Equal(decimal.NewFromInt(40)))
	})

	t.Run("StaleReleasedAmountConflicts", func(t *testing.T) {
		// The released amount moved to 40; a writer still holding the
		// zero snapshot must lose even though the status still matches.
		stale := testTransaction(models.StatusHeld)
		stale.ID = tx.ID
		stale.Escrow = models.EscrowDescriptor{
			Enabled:         true,
			ReleasedAmount:  decimal.NewFromInt(25),
			RemainingAmount: decimal.NewFromInt(75),
		}
		err := st.UpdateEscrowIf(ctx, stale, models.StatusHeld, decimal.Zero)
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))

		got, err := st.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, got.Escrow.ReleasedAmount.Equal(decimal.NewFromInt(40)), "a lost race leaves the totals unchanged")
	})
}

func TestGetTransactionByBookingRef(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := testTransaction(models.StatusCompleted)
	tx.BookingRef = "sub:abc:1700000000"
	require.NoError(t, st.CreateTransaction(ctx, tx))

	got, err := st.GetTransactionByBookingRef(ctx, tx.BookingRef)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	_, err = st.GetTransactionByBookingRef(ctx, "sub:abc:1700086400")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestSumInstrumentCharges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	instrumentID := uuid.New()
	since := time.Now().UTC().Add(-time.Hour)

	completed := testTransaction(models.StatusCompleted)
	completed.InstrumentID = instrumentID
	completed.Amount = decimal.NewFromInt(60)
	require.NoError(t, st.CreateTransaction(ctx, completed))

	held := testTransaction(models.StatusHeld)
	held.InstrumentID = instrumentID
	held.Amount = decimal.NewFromInt(25)
	require.NoError(t, st.CreateTransaction(ctx, held))

	// Failed charges and compensating refunds do not count toward the
	// rolling volume.
	failed := testTransaction(models.StatusFailed)
	failed.InstrumentID = instrumentID
	failed.Amount = decimal.NewFromInt(500)
	require.NoError(t, st.CreateTransaction(ctx, failed))

	refund := testTransaction(models.StatusCompleted)
	refund.InstrumentID = instrumentID
	refund.Type = models.TypeRefund
	refund.Amount = decimal.NewFromInt(30)
	require.NoError(t, st.CreateTransaction(ctx, refund))

	total, err := st.SumInstrumentCharges(ctx, instrumentID, since)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(85)), "expected 85, got %s", total)

	none, err := st.SumInstrumentCharges(ctx, uuid.New(), since)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestListByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateTransaction(ctx, testTransaction(models.StatusProcessing)))
	}
	require.NoError(t, st.CreateTransaction(ctx, testTransaction(models.StatusCompleted)))

	stuck, err := st.ListByStatus(ctx, models.StatusProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, stuck, 3)

	limited, err := st.ListByStatus(ctx, models.StatusProcessing, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListHeldDueForRelease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := testTransaction(models.StatusHeld)
	due.Escrow = models.EscrowDescriptor{Enabled: true, AutoRelease: true, ScheduledRelease: &past, RemainingAmount: due.Amount}
	require.NoError(t, st.CreateTransaction(ctx, due))

	notYet := testTransaction(models.StatusHeld)
	notYet.Escrow = models.EscrowDescriptor{Enabled: true, AutoRelease: true, ScheduledRelease: &future, RemainingAmount: notYet.Amount}
	require.NoError(t, st.CreateTransaction(ctx, notYet))

	manual := testTransaction(models.StatusHeld)
	manual.Escrow = models.EscrowDescriptor{Enabled: true, AutoRelease: false, ScheduledRelease: &past, RemainingAmount: manual.Amount}
	require.NoError(t, st.CreateTransaction(ctx, manual))

	got, err := st.ListHeldDueForRelease(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestCountCustomerFlagged(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	customerID := uuid.New()

	for _, status := range []models.TransactionStatus{
		models.StatusFailed, models.StatusDisputed, models.StatusCompleted,
	} {
		tx := testTransaction(status)
		tx.CustomerID = customerID
		require.NoError(t, st.CreateTransaction(ctx, tx))
	}

	n, err := st.CountCustomerFlagged(ctx, customerID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "only failed and disputed transactions count")

	none, err := st.CountCustomerFlagged(ctx, uuid.New(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestInstrumentRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	limit := decimal.NewFromInt(5000)
	instrument := &models.PaymentInstrument{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		Class:            models.InstrumentCard,
		Currency:         "USD",
		PerTxLimit:       &limit,
		Verification:     "pending",
		VerificationTier: models.VerificationBasic,
	}
	require.NoError(t, st.UpsertInstrument(ctx, instrument))

	instrument.Verification = "verified"
	require.NoError(t, st.UpsertInstrument(ctx, instrument))

	got, err := st.GetInstrument(ctx, instrument.ID)
	require.NoError(t, err)
	assert.Equal(t, "verified", got.Verification)
	require.NotNil(t, got.PerTxLimit)
	assert.True(t, got.PerTxLimit.Equal(limit))

	_, err = st.GetInstrument(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestSubscriptionsDue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &models.Subscription{
		ID: uuid.New(), CustomerID: uuid.New(), InstrumentID: uuid.New(),
		Provider: "stripe", Amount: decimal.NewFromInt(10), Currency: "USD",
		Interval: 24 * time.Hour, NextChargeAt: now.Add(-time.Minute), Status: "active",
	}
	require.NoError(t, st.CreateSubscription(ctx, due))

	cancelled := &models.Subscription{
		ID: uuid.New(), CustomerID: uuid.New(), InstrumentID: uuid.New(),
		Provider: "stripe", Amount: decimal.NewFromInt(10), Currency: "USD",
		Interval: 24 * time.Hour, NextChargeAt: now.Add(-time.Minute), Status: "cancelled",
	}
	require.NoError(t, st.CreateSubscription(ctx, cancelled))

	got, err := st.ListSubscriptionsDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}
