package subscription

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

	"github.com/velopay/orchestrator/internal/compliance"
	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/internal/fees"
	"github.com/velopay/orchestrator/internal/gateway"
	"github.com/velopay/orchestrator/internal/lifecycle"
	"github.com/velopay/orchestrator/internal/notify"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/internal/risk"
	"github.com/velopay/orchestrator/internal/routing"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

type passScreener struct{}

func (passScreener) CheckAML(context.Context, uuid.UUID) (bool, error)       { return true, nil }
func (passScreener) CheckSanctions(context.Context, uuid.UUID) (bool, error) { return false, nil }

type env struct {
	st      *store.GormStore
	gw      *gateway.MemoryGateway
	service *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	st, err := store.NewGormStore(zap.NewNop(), db)
	require.NoError(t, err)

	reg := registry.New([]config.ProviderConfig{
		{
			Name:                 "stripe",
			Instruments:          []string{"card"},
			Currencies:           []string{"USD"},
			FeePercent:           decimal.RequireFromString("0.029"),
			SupportsSubscription: true,
		},
		{
			Name:        "onetime",
			Instruments: []string{"card"},
			Currencies:  []string{"USD"},
			FeePercent:  decimal.RequireFromString("0.05"),
		},
	})

	calc := fees.NewCalculator(config.FeeConfig{
		PlatformRate:   decimal.RequireFromString("0.025"),
		ProcessingRate: decimal.RequireFromString("0.003"),
	})
	health := routing.NewMemoryHealth()
	router := routing.NewEngine(zap.NewNop(), reg, calc, health,
		routing.NewPolicyHolder(routing.PolicyFromConfig(config.RoutingConfig{})))
	gate := compliance.NewGate(zap.NewNop(), passScreener{})
	riskEngine := risk.NewEngine(zap.NewNop(), config.RiskConfig{
		HighAmountThreshold: decimal.NewFromInt(1000),
		TierLowMax:          20, TierMediumMax: 50, TierHighMax: 80,
	}, nil, nil)

	gw := gateway.NewMemoryGateway("stripe")
	onetime := gateway.NewMemoryGateway("onetime")
	manager := lifecycle.NewManager(zap.NewNop(), config.LifecycleConfig{ProviderTimeout: time.Second},
		st, gate, riskEngine, router, reg, calc,
		gateway.StaticResolver{"stripe": gw, "onetime": onetime}, health, notify.NopSink{})

	return &env{st: st, gw: gw, service: NewService(zap.NewNop(), st, reg, manager)}
}

func (e *env) verifiedInstrument(t *testing.T) *models.PaymentInstrument {
	t.Helper()
	instrument := &models.PaymentInstrument{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		Class:            models.InstrumentCard,
		Currency:         "USD",
		Verification:     "verified",
		VerificationTier: models.VerificationEnhanced,
	}
	require.NoError(t, e.st.UpsertInstrument(context.Background(), instrument))
	return instrument
}

func subscriptionRequest(instrument *models.PaymentInstrument) *models.SubscriptionRequest {
	return &models.SubscriptionRequest{
		CustomerID:   instrument.CustomerID,
		InstrumentID: instrument.ID,
		Amount:       decimal.NewFromInt(10),
		Currency:     "USD",
		Provider:     "stripe",
		Interval:     24 * time.Hour,
	}
}

func TestCreate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	instrument := e.verifiedInstrument(t)

	t.Run("Valid", func(t *testing.T) {
		sub, err := e.service.Create(ctx, subscriptionRequest(instrument))
		require.NoError(t, err)
		assert.Equal(t, "active", sub.Status)
		assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), sub.NextChargeAt, time.Minute)
	})

	t.Run("IntervalTooShort", func(t *testing.T) {
		req := subscriptionRequest(instrument)
		req.Interval = 10 * time.Minute
		_, err := e.service.Create(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		req := subscriptionRequest(instrument)
		req.Provider = "nope"
		_, err := e.service.Create(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("ProviderWithoutRecurringSupport", func(t *testing.T) {
		req := subscriptionRequest(instrument)
		req.Provider = "onetime"
		_, err := e.service.Create(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("UnknownInstrument", func(t *testing.T) {
		req := subscriptionRequest(instrument)
		req.InstrumentID = uuid.New()
		_, err := e.service.Create(ctx, req)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	instrument := e.verifiedInstrument(t)

	sub, err := e.service.Create(ctx, subscriptionRequest(instrument))
	require.NoError(t, err)

	cancelled, err := e.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)

	// Cancelling twice is a no-op.
	again, err := e.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", again.Status)

	_, err = e.service.Cancel(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestChargeDue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	instrument := e.verifiedInstrument(t)

	sub, err := e.service.Create(ctx, subscriptionRequest(instrument))
	require.NoError(t, err)

	// Not due yet.
	charged, err := e.service.ChargeDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, charged)
	assert.Zero(t, e.gw.ChargeCount())

	// Pull the billing time into the past.
	due := time.Now().UTC().Add(-time.Minute)
	sub.NextChargeAt = due
	require.NoError(t, e.st.SaveSubscription(ctx, sub))

	charged, err = e.service.ChargeDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, charged)
	assert.Equal(t, 1, e.gw.ChargeCount())

	// The billing time advanced by one interval.
	after, err := e.st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, due.Add(sub.Interval), after.NextChargeAt, time.Second)

	// The cycle already billed; a redelivered run charges nothing new.
	charged, err = e.service.ChargeDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, charged)
	assert.Equal(t, 1, e.gw.ChargeCount())
}

func TestChargeDueCyclePinning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	instrument := e.verifiedInstrument(t)

	sub, err := e.service.Create(ctx, subscriptionRequest(instrument))
	require.NoError(t, err)

	due := time.Now().UTC().Add(-time.Minute)
	sub.NextChargeAt = due
	require.NoError(t, e.st.SaveSubscription(ctx, sub))

	charged, err := e.service.ChargeDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, charged)
	require.Equal(t, 1, e.gw.ChargeCount())

	// Simulate a crash between the charge and the billing-time advance:
	// the subscription comes back due for the same cycle.
	sub.NextChargeAt = due
	require.NoError(t, e.st.SaveSubscription(ctx, sub))

	charged, err = e.service.ChargeDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, charged, "an already-billed cycle must not be charged again")
	assert.Equal(t, 1, e.gw.ChargeCount())

	// The billing time still advances past the recovered cycle.
	after, err := e.st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, due.Add(sub.Interval), after.NextChargeAt, time.Second)
}
