package escrow

import (
	"context"
	"fmt"
	"sync"
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

	"github.com/velopay/orchestrator/internal/gateway"
	"github.com/velopay/orchestrator/internal/notify"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// releaseRecorder captures the idempotency keys handed to the provider
// so tests can assert each claimed release gets a distinct key.
type releaseRecorder struct {
	*gateway.MemoryGateway
	mu   sync.Mutex
	keys []string
}

func (g *releaseRecorder) Release(ctx context.Context, providerTransactionID string, amount decimal.Decimal, key string) (gateway.ChargeResult, error) {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.mu.Unlock()
	return g.MemoryGateway.Release(ctx, providerTransactionID, amount, key)
}

func (g *releaseRecorder) releaseKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.keys...)
}

type env struct {
	st      *store.GormStore
	gw      *releaseRecorder
	manager *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	st, err := store.NewGormStore(zap.NewNop(), db)
	require.NoError(t, err)

	gw := &releaseRecorder{MemoryGateway: gateway.NewMemoryGateway("stripe")}
	manager := NewManager(zap.NewNop(), st, gateway.StaticResolver{"stripe": gw}, notify.NopSink{}, time.Second)
	return &env{st: st, gw: gw, manager: manager}
}

// heldTransaction seeds a held escrow transaction with the provider-side
// charge already recorded, mirroring the state after a successful
// escrow-enabled submission.
func (e *env) heldTransaction(t *testing.T, amount int64, scheduledRelease time.Time, autoRelease bool) *models.Transaction {
	t.Helper()
	instrument := &models.PaymentInstrument{ID: uuid.New(), Class: models.InstrumentCard}
	result, err := e.gw.Charge(context.Background(), instrument, decimal.NewFromInt(amount), "USD", uuid.New().String())
	require.NoError(t, err)

	tx := &models.Transaction{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		InstrumentID: instrument.ID,
		Amount:       decimal.NewFromInt(amount),
		Currency:     "USD",
		Status:       models.StatusHeld,
		Type:         models.TypePayment,
		Routing:      models.RoutingDescriptor{Provider: "stripe"},
		Escrow: models.EscrowDescriptor{
			Enabled:          true,
			AutoRelease:      autoRelease,
			DisputeWindow:    72 * time.Hour,
			ScheduledRelease: &scheduledRelease,
			RemainingAmount:  decimal.NewFromInt(amount),
		},
		Metadata:    map[string]string{"provider_transaction_id": result.ProviderTransactionID},
		InitiatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.st.CreateTransaction(context.Background(), tx))
	return tx
}

func fullRelease(txID uuid.UUID) *models.ReleaseRequest {
	return &models.ReleaseRequest{
		TransactionID: txID,
		ReleaseType:   models.ReleaseFull,
		Reason:        "goods delivered",
		AuthorizedBy:  "ops",
	}
}

func TestReleasePreconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	t.Run("NoEscrowHold", func(t *testing.T) {
		tx := &models.Transaction{
			ID:           uuid.New(),
			CustomerID:   uuid.New(),
			InstrumentID: uuid.New(),
			Amount:       decimal.NewFromInt(100),
			Currency:     "USD",
			Status:       models.StatusCompleted,
			Type:         models.TypePayment,
			InitiatedAt:  time.Now().UTC(),
		}
		require.NoError(t, e.st.CreateTransaction(ctx, tx))

		_, err := e.manager.Release(ctx, fullRelease(tx.ID))
		require.Error(t, err)
		assert.Equal(t, errors.KindEscrowPrecondition, errors.KindOf(err))
	})

	t.Run("NotHeld", func(t *testing.T) {
		tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)
		tx.Status = models.StatusDisputed
		require.NoError(t, e.st.SaveTransaction(ctx, tx))

		_, err := e.manager.Release(ctx, fullRelease(tx.ID))
		require.Error(t, err)
		assert.Equal(t, errors.KindEscrowPrecondition, errors.KindOf(err))
	})

	t.Run("PartialWithoutAmount", func(t *testing.T) {
		tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)
		req := fullRelease(tx.ID)
		req.ReleaseType = models.ReleasePartial

		_, err := e.manager.Release(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("PartialExceedingRemaining", func(t *testing.T) {
		tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)
		req := fullRelease(tx.ID)
		req.ReleaseType = models.ReleasePartial
		amount := decimal.NewFromInt(150)
		req.Amount = &amount

		_, err := e.manager.Release(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		_, err := e.manager.Release(ctx, fullRelease(uuid.New()))
		require.Error(t, err)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})
}

func TestFullRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// One hour past the 72-hour window.
	tx := e.heldTransaction(t, 200, time.Now().UTC().Add(-time.Hour), false)

	result, err := e.manager.Release(ctx, fullRelease(tx.ID))
	require.NoError(t, err)

	assert.Equal(t, models.StatusReleased, result.Status)
	assert.True(t, result.ReleasedAmount.Equal(decimal.NewFromInt(200)))
	assert.True(t, result.RemainingAmount.IsZero())

	stored, err := e.st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, stored.Status)
	assert.NotNil(t, stored.SettledAt)

	// A redelivered release finds the transaction no longer held.
	_, err = e.manager.Release(ctx, fullRelease(tx.ID))
	require.Error(t, err)
	assert.Equal(t, errors.KindEscrowPrecondition, errors.KindOf(err))
}

func TestPartialRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)

	req := fullRelease(tx.ID)
	req.ReleaseType = models.ReleasePartial
	amount := decimal.NewFromInt(40)
	req.Amount = &amount

	result, err := e.manager.Release(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, result.Status, "a partial release keeps the hold")
	assert.True(t, result.ReleasedAmount.Equal(decimal.NewFromInt(40)))
	assert.True(t, result.RemainingAmount.Equal(decimal.NewFromInt(60)))

	// Releasing the rest settles the transaction.
	final, err := e.manager.Release(ctx, fullRelease(tx.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, final.Status)
	assert.True(t, final.ReleasedAmount.Equal(decimal.NewFromInt(60)))
	assert.True(t, final.RemainingAmount.IsZero())
}

func TestPartialReleaseClaims(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)

	partial := func(amount int64) *models.ReleaseRequest {
		req := fullRelease(tx.ID)
		req.ReleaseType = models.ReleasePartial
		d := decimal.NewFromInt(amount)
		req.Amount = &d
		return req
	}

	first, err := e.manager.Release(ctx, partial(30))
	require.NoError(t, err)
	second, err := e.manager.Release(ctx, partial(20))
	require.NoError(t, err)

	// Each claimed release carries its own provider key; the running
	// totals accumulate instead of clobbering each other.
	keys := e.gw.releaseKeys()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
	assert.True(t, first.RemainingAmount.Equal(decimal.NewFromInt(70)))
	assert.True(t, second.RemainingAmount.Equal(decimal.NewFromInt(50)))

	stored, err := e.st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, stored.Status)
	assert.True(t, stored.Escrow.ReleasedAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, stored.Escrow.RemainingAmount.Equal(decimal.NewFromInt(50)))
}

func TestStaleReleaseLosesClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.heldTransaction(t, 100, time.Now().UTC().Add(72*time.Hour), false)

	req := fullRelease(tx.ID)
	req.ReleaseType = models.ReleasePartial
	amount := decimal.NewFromInt(40)
	req.Amount = &amount

	_, err := e.manager.Release(ctx, req)
	require.NoError(t, err)

	// A writer still holding the pre-release snapshot must lose the
	// conditional update instead of overwriting the running totals.
	stale, err := e.st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	stale.Escrow.ReleasedAmount = decimal.NewFromInt(40)
	stale.Escrow.RemainingAmount = decimal.NewFromInt(60)
	err = e.st.UpdateEscrowIf(ctx, stale, models.StatusHeld, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	stored, err := e.st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.Escrow.ReleasedAmount.Equal(decimal.NewFromInt(40)))
	assert.True(t, stored.Escrow.RemainingAmount.Equal(decimal.NewFromInt(60)))
}

func TestReleaseProviderFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.heldTransaction(t, 100, time.Now().UTC().Add(-time.Hour), false)

	// Point the hold at a provider-side transaction the gateway does
	// not know so the release is refused after the claim persists.
	goodProviderTxID := tx.Metadata["provider_transaction_id"]
	tx.Metadata["provider_transaction_id"] = "gone"
	require.NoError(t, e.st.SaveTransaction(ctx, tx))

	_, err := e.manager.Release(ctx, fullRelease(tx.ID))
	require.Error(t, err)
	assert.Equal(t, errors.KindProvider, errors.KindOf(err))

	stored, err := e.st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, stored.Status)
	assert.True(t, stored.Escrow.ReleasedAmount.IsZero())
	assert.True(t, stored.Escrow.RemainingAmount.Equal(decimal.NewFromInt(100)))
	assert.Nil(t, stored.SettledAt)

	// Once the provider reference is repaired the hold releases.
	stored.Metadata["provider_transaction_id"] = goodProviderTxID
	require.NoError(t, e.st.SaveTransaction(ctx, stored))
	result, err := e.manager.Release(ctx, fullRelease(tx.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, result.Status)
}

func TestDisputeReleaseWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	t.Run("WithinWindow", func(t *testing.T) {
		tx := e.heldTransaction(t, 100, time.Now().UTC().Add(time.Hour), false)
		req := fullRelease(tx.ID)
		req.ReleaseType = models.ReleaseDispute

		result, err := e.manager.Release(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReleased, result.Status)
	})

	t.Run("ExpiredWindowNeedsOverride", func(t *testing.T) {
		tx := e.heldTransaction(t, 100, time.Now().UTC().Add(-time.Hour), false)
		req := fullRelease(tx.ID)
		req.ReleaseType = models.ReleaseDispute

		_, err := e.manager.Release(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindEscrowPrecondition, errors.KindOf(err))

		req.Override = true
		result, err := e.manager.Release(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReleased, result.Status)
	})
}

func TestAutoReleaseDue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(72 * time.Hour)
	due1 := e.heldTransaction(t, 100, past, true)
	due2 := e.heldTransaction(t, 50, past, true)
	notDue := e.heldTransaction(t, 75, future, true)
	manual := e.heldTransaction(t, 25, past, false)

	released, err := e.manager.AutoReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	for _, id := range []uuid.UUID{due1.ID, due2.ID} {
		stored, err := e.st.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReleased, stored.Status)
	}
	for _, id := range []uuid.UUID{notDue.ID, manual.ID} {
		stored, err := e.st.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusHeld, stored.Status)
	}

	// A redelivered pass finds nothing left to release.
	released, err = e.manager.AutoReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, released)
}
