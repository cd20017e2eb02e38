// Package lifecycle owns the transaction state machine. It coordinates
// compliance, risk, routing, and provider execution, persisting every
// transition before the side effect that depends on it.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/compliance"
	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/internal/fees"
	"github.com/velopay/orchestrator/internal/gateway"
	"github.com/velopay/orchestrator/internal/notify"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/internal/risk"
	"github.com/velopay/orchestrator/internal/routing"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/metrics"
	"github.com/velopay/orchestrator/pkg/models"
	"github.com/velopay/orchestrator/pkg/validation"
)

// Manager drives transactions through their lifecycle
type Manager struct {
	logger     *zap.Logger
	cfg        config.LifecycleConfig
	store      store.Store
	gate       *compliance.Gate
	riskEngine *risk.Engine
	router     *routing.Engine
	registry   *registry.Registry
	calculator *fees.Calculator
	gateways   gateway.Resolver
	health     routing.Health
	sink       notify.Sink
}

// NewManager creates a lifecycle manager.
func NewManager(
	logger *zap.Logger,
	cfg config.LifecycleConfig,
	st store.Store,
	gate *compliance.Gate,
	riskEngine *risk.Engine,
	router *routing.Engine,
	reg *registry.Registry,
	calc *fees.Calculator,
	gateways gateway.Resolver,
	health routing.Health,
	sink notify.Sink,
) *Manager {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		gate:       gate,
		riskEngine: riskEngine,
		router:     router,
		registry:   reg,
		calculator: calc,
		gateways:   gateways,
		health:     health,
		sink:       sink,
	}
}

// idempotencyKey derives a per-attempt key from the transaction ID and
// attempt index, so provider-side retries of the same attempt cannot
// double-charge.
func idempotencyKey(txID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s:%d", txID, attempt)
}

// Submit validates the request, runs the compliance gate and risk
// assessment, routes, and executes against ranked candidates with
// sequential fallback. A transaction record is always returned, even
// on failure, carrying the full attempt trail for audit.
func (m *Manager) Submit(ctx context.Context, req *models.PaymentRequest) (*models.Transaction, error) {
	// Fail-closed validation. Nothing below runs for malformed input.
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Validation("amount must be positive")
	}
	txType := req.Type
	if txType == "" {
		txType = models.TypePayment
	}

	instrument, err := m.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.Validation("unknown payment instrument")
		}
		return nil, err
	}
	if instrument.PerTxLimit != nil && req.Amount.GreaterThan(*instrument.PerTxLimit) {
		return nil, errors.Validation("amount exceeds instrument per-transaction limit")
	}
	if err := m.checkVolumeLimits(ctx, instrument, req.Amount); err != nil {
		return nil, err
	}

	// Compliance gate runs before any risk call or provider side effect.
	if err := m.gate.Check(ctx, req.CustomerID, instrument, req.Amount, req.Currency); err != nil {
		return nil, err
	}

	assessment, err := m.riskEngine.Assess(ctx, risk.Input{
		CustomerID:        req.CustomerID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Instrument:        instrument,
		DeviceFingerprint: req.DeviceFingerprint,
		Geolocation:       req.Geolocation,
	})
	if err != nil {
		return nil, fmt.Errorf("risk assessment failed: %w", err)
	}

	tx := m.newTransaction(req, txType, instrument, assessment)

	// The engine recommends; enforcement happens here.
	if assessment.Tier == risk.TierCritical && !req.RiskOverride {
		now := time.Now().UTC()
		tx.Status = models.StatusFailed
		tx.FailedAt = &now
		tx.FailureReason = fmt.Sprintf("blocked by risk policy: score %d (%s)", assessment.Score, assessment.Tier)
		if err := m.store.CreateTransaction(ctx, tx); err != nil {
			return nil, err
		}
		metrics.PaymentsSubmitted.WithLabelValues(string(tx.Status)).Inc()
		m.sink.Notify(ctx, notify.EventPaymentFailed, tx)
		return tx, errors.RiskBlocked(tx.FailureReason)
	}

	candidates, err := m.router.Route(ctx, routing.Input{
		Amount:     req.Amount,
		Currency:   req.Currency,
		Instrument: instrument,
		Region:     region(req.Geolocation),
		Escrow:     req.Escrow.Enabled,
	})
	if err != nil {
		return nil, err
	}

	// Write-ahead: the pending record exists before any provider call.
	if err := m.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := m.transition(ctx, tx, models.StatusPending, models.StatusProcessing); err != nil {
		return tx, err
	}

	return m.execute(ctx, tx, instrument, candidates)
}

// checkVolumeLimits enforces the instrument's rolling daily and
// monthly limits against the charges already recorded.
func (m *Manager) checkVolumeLimits(ctx context.Context, instrument *models.PaymentInstrument, amount decimal.Decimal) error {
	if instrument.DailyLimit == nil && instrument.MonthlyLimit == nil {
		return nil
	}
	now := time.Now().UTC()
	if instrument.DailyLimit != nil {
		spent, err := m.store.SumInstrumentCharges(ctx, instrument.ID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(*instrument.DailyLimit) {
			return errors.Validation("amount exceeds instrument daily limit")
		}
	}
	if instrument.MonthlyLimit != nil {
		spent, err := m.store.SumInstrumentCharges(ctx, instrument.ID, now.AddDate(0, 0, -30))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(*instrument.MonthlyLimit) {
			return errors.Validation("amount exceeds instrument monthly limit")
		}
	}
	return nil
}

func (m *Manager) newTransaction(req *models.PaymentRequest, txType models.TransactionType, instrument *models.PaymentInstrument, assessment *risk.Assessment) *models.Transaction {
	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:           uuid.New(),
		BookingRef:   req.BookingRef,
		CustomerID:   req.CustomerID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       models.StatusPending,
		Type:         txType,
		InstrumentID: instrument.ID,
		Compliance: models.ComplianceSnapshot{
			AMLPassed:          true,
			FraudScore:         assessment.Score,
			SanctionsHit:       false,
			InstrumentVerified: true,
		},
		Metadata:    req.Metadata,
		InitiatedAt: now,
	}
	if req.Escrow.Enabled {
		scheduled := now.Add(req.Escrow.DisputeWindow)
		tx.Escrow = models.EscrowDescriptor{
			Enabled:           true,
			ReleaseConditions: req.Escrow.ReleaseConditions,
			AutoRelease:       req.Escrow.AutoRelease,
			DisputeWindow:     req.Escrow.DisputeWindow,
			ScheduledRelease:  &scheduled,
			RemainingAmount:   req.Amount,
		}
	}
	return tx
}

// execute attempts candidates in rank order. Calls are strictly
// sequential: each must observe the prior failure before the next
// route is tried, so a transaction can never execute twice.
func (m *Manager) execute(ctx context.Context, tx *models.Transaction, instrument *models.PaymentInstrument, candidates []routing.Candidate) (*models.Transaction, error) {
	for i, candidate := range candidates {
		if i > 0 {
			metrics.RoutingFallbacks.Inc()
		}
		// The attempt index follows the trail, not the candidate list:
		// skipped candidates are recorded too, so the two can diverge.
		idx := len(tx.Attempts)
		attempt := models.AttemptRecord{
			Index:     idx,
			Provider:  candidate.Provider,
			StartedAt: time.Now().UTC(),
		}

		gw, ok := m.gateways.Gateway(candidate.Provider)
		if !ok {
			m.logger.Error("No gateway for routed provider", zap.String("provider", candidate.Provider))
			done := time.Now().UTC()
			attempt.CompletedAt = &done
			attempt.Error = "no gateway configured"
			tx.Attempts = append(tx.Attempts, attempt)
			if err := m.store.SaveTransaction(ctx, tx); err != nil {
				return tx, err
			}
			continue
		}

		key := idempotencyKey(tx.ID, idx)
		attempt.IdempotencyKey = key
		// The attempt is persisted before the provider is touched so a
		// crash mid-call is visible to reconciliation.
		tx.Attempts = append(tx.Attempts, attempt)
		if err := m.store.SaveTransaction(ctx, tx); err != nil {
			return tx, err
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		start := time.Now()
		result, err := gw.Charge(callCtx, instrument, tx.Amount, tx.Currency, key)
		cancel()
		elapsed := time.Since(start)

		done := time.Now().UTC()
		tx.Attempts[idx].CompletedAt = &done

		if err != nil || result.Status != gateway.ChargeSucceeded {
			if err == nil {
				err = fmt.Errorf("provider reported status %s", result.Status)
			}
			tx.Attempts[idx].Error = err.Error()
			m.recordHealth(ctx, candidate.Provider, false, elapsed)
			metrics.ProviderLatency.WithLabelValues(candidate.Provider, "failure").Observe(elapsed.Seconds())
			m.logger.Warn("Provider attempt failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.String("provider", candidate.Provider),
				zap.Int("attempt", idx),
				zap.Error(err))
			if err := m.store.SaveTransaction(ctx, tx); err != nil {
				return tx, err
			}
			continue
		}

		// Success. Persist the terminal state before notifying.
		tx.Attempts[idx].Succeeded = true
		m.recordHealth(ctx, candidate.Provider, true, elapsed)
		metrics.ProviderLatency.WithLabelValues(candidate.Provider, "success").Observe(elapsed.Seconds())

		tx.Routing = models.RoutingDescriptor{
			Provider:       candidate.Provider,
			GatewayVariant: candidate.GatewayVariant,
			MerchantID:     candidate.MerchantID,
			AcquirerID:     candidate.AcquirerID,
		}
		tx.Fees = m.calculator.Fees(tx.Amount, m.registry.Snapshot().Get(candidate.Provider))
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]string)
		}
		tx.Metadata["provider_transaction_id"] = result.ProviderTransactionID

		now := time.Now().UTC()
		tx.AuthorizedAt = &now
		tx.CapturedAt = &now
		target := models.StatusCompleted
		if tx.Escrow.Enabled {
			target = models.StatusHeld
		} else {
			tx.SettledAt = &now
		}
		if err := m.transition(ctx, tx, models.StatusProcessing, target); err != nil {
			return tx, err
		}
		metrics.PaymentsSubmitted.WithLabelValues(string(tx.Status)).Inc()
		m.sink.Notify(ctx, notify.EventPaymentSucceeded, tx)
		return tx, nil
	}

	// Every candidate failed; the trail stays on the record for audit
	// and manual recovery.
	now := time.Now().UTC()
	tx.FailedAt = &now
	tx.FailureReason = fmt.Sprintf("all %d route candidates failed", len(candidates))
	if err := m.transition(ctx, tx, models.StatusProcessing, models.StatusFailed); err != nil {
		return tx, err
	}
	metrics.PaymentsSubmitted.WithLabelValues(string(tx.Status)).Inc()
	m.sink.Notify(ctx, notify.EventPaymentFailed, tx)
	return tx, errors.AllRoutesExhausted(len(candidates))
}

func (m *Manager) recordHealth(ctx context.Context, provider string, success bool, latency time.Duration) {
	if err := m.health.Record(ctx, provider, success, latency); err != nil {
		m.logger.Warn("Failed to record provider health", zap.String("provider", provider), zap.Error(err))
	}
}

// transition validates and persists a status move with an optimistic
// check on the prior status.
func (m *Manager) transition(ctx context.Context, tx *models.Transaction, from, to models.TransactionStatus) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	tx.Status = to
	if err := m.store.UpdateStatusIf(ctx, tx, from); err != nil {
		tx.Status = from
		return err
	}
	return nil
}

// Cancel aborts a submission. Only pending transactions may be
// cancelled; once a provider may have been charged the path is refund,
// not cancellation.
func (m *Manager) Cancel(ctx context.Context, txID uuid.UUID, reason string) (*models.Transaction, error) {
	tx, err := m.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusPending {
		return tx, errors.Conflict(fmt.Sprintf("only pending transactions can be cancelled, status is %s", tx.Status))
	}
	tx.FailureReason = reason
	if err := m.transition(ctx, tx, models.StatusPending, models.StatusCancelled); err != nil {
		return tx, err
	}
	return tx, nil
}

// Refund creates a compensating refund transaction referencing the
// original, which stays immutable.
func (m *Manager) Refund(ctx context.Context, req *models.RefundRequest) (*models.Transaction, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	original, err := m.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if original.Status != models.StatusCompleted && original.Status != models.StatusReleased {
		return nil, errors.Conflict(fmt.Sprintf("cannot refund a %s transaction", original.Status))
	}
	amount := original.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(original.Amount) {
		return nil, errors.Validation("refund amount must be positive and at most the original amount")
	}

	refund := m.compensating(original, models.TypeRefund, req.Reason)
	refund.Amount = amount
	if err := m.store.CreateTransaction(ctx, refund); err != nil {
		return nil, err
	}

	gw, ok := m.gateways.Gateway(original.Routing.Provider)
	if !ok {
		return refund, errors.Provider(original.Routing.Provider, fmt.Errorf("no gateway configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	result, err := gw.Refund(callCtx, original.Metadata["provider_transaction_id"], amount, idempotencyKey(refund.ID, 0))
	if err != nil {
		now := time.Now().UTC()
		refund.FailedAt = &now
		refund.FailureReason = err.Error()
		refund.Status = models.StatusFailed
		_ = m.store.SaveTransaction(ctx, refund)
		return refund, errors.Provider(original.Routing.Provider, err)
	}
	now := time.Now().UTC()
	refund.Status = models.StatusCompleted
	refund.SettledAt = &now
	refund.Metadata = map[string]string{"provider_transaction_id": result.ProviderTransactionID}
	if err := m.store.SaveTransaction(ctx, refund); err != nil {
		return refund, err
	}
	return refund, nil
}

// OpenDispute moves a settled transaction to disputed and emits the
// dispute-opened event.
func (m *Manager) OpenDispute(ctx context.Context, req *models.DisputeRequest) (*models.Transaction, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	tx, err := m.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	from := tx.Status
	if err := ValidateTransition(from, models.StatusDisputed); err != nil {
		return tx, errors.Conflict(fmt.Sprintf("cannot dispute a %s transaction", from))
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata["dispute_reason"] = req.Reason
	tx.Metadata["dispute_opened_by"] = req.OpenedBy
	if err := m.transition(ctx, tx, from, models.StatusDisputed); err != nil {
		return tx, err
	}
	m.sink.Notify(ctx, notify.EventDisputeOpened, tx)
	return tx, nil
}

// SettleDispute resolves a dispute by creating a dispute_settlement
// transaction referencing the disputed original. An empty amount
// settles for the full original amount.
func (m *Manager) SettleDispute(ctx context.Context, txID uuid.UUID, amount string, reason string) (*models.Transaction, error) {
	original, err := m.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if original.Status != models.StatusDisputed {
		return nil, errors.Conflict(fmt.Sprintf("transaction is %s, not disputed", original.Status))
	}
	settled := original.Amount
	if amount != "" {
		parsed, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, errors.Validation("invalid settlement amount")
		}
		if !parsed.IsPositive() || parsed.GreaterThan(original.Amount) {
			return nil, errors.Validation("settlement amount must be positive and at most the original amount")
		}
		settled = parsed
	}
	settlement := m.compensating(original, models.TypeDisputeSettlement, reason)
	settlement.Amount = settled
	now := time.Now().UTC()
	settlement.Status = models.StatusCompleted
	settlement.SettledAt = &now
	if err := m.store.CreateTransaction(ctx, settlement); err != nil {
		return nil, err
	}
	return settlement, nil
}

func (m *Manager) compensating(original *models.Transaction, txType models.TransactionType, reason string) *models.Transaction {
	id := original.ID
	return &models.Transaction{
		ID:                    uuid.New(),
		BookingRef:            original.BookingRef,
		CustomerID:            original.CustomerID,
		Amount:                original.Amount,
		Currency:              original.Currency,
		Status:                models.StatusPending,
		Type:                  txType,
		InstrumentID:          original.InstrumentID,
		Routing:               original.Routing,
		OriginalTransactionID: &id,
		Metadata:              map[string]string{"reason": reason},
		InitiatedAt:           time.Now().UTC(),
	}
}

// Reconcile recovers transactions stranded in processing, e.g. after a
// crash between provider execution and persistence. Provider-reported
// status decides the outcome; transactions with no successful provider
// call fail with their trail intact.
func (m *Manager) Reconcile(ctx context.Context, limit int) (int, error) {
	stuck, err := m.store.ListByStatus(ctx, models.StatusProcessing, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, tx := range stuck {
		if err := m.reconcileOne(ctx, tx); err != nil {
			m.logger.Error("Reconciliation failed",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) reconcileOne(ctx context.Context, tx *models.Transaction) error {
	for i := range tx.Attempts {
		attempt := &tx.Attempts[i]
		if attempt.Error != "" {
			continue
		}
		gw, ok := m.gateways.Gateway(attempt.Provider)
		if !ok {
			continue
		}
		// Replay with the original idempotency key: at most one charge
		// exists provider-side regardless of how the crash landed.
		instrument, err := m.store.GetInstrument(ctx, tx.InstrumentID)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		result, err := gw.Charge(callCtx, instrument, tx.Amount, tx.Currency, attempt.IdempotencyKey)
		cancel()
		if err == nil && result.Status == gateway.ChargeSucceeded {
			now := time.Now().UTC()
			attempt.Succeeded = true
			attempt.CompletedAt = &now
			tx.AuthorizedAt = &now
			tx.CapturedAt = &now
			if tx.Metadata == nil {
				tx.Metadata = make(map[string]string)
			}
			tx.Metadata["provider_transaction_id"] = result.ProviderTransactionID
			target := models.StatusCompleted
			if tx.Escrow.Enabled {
				target = models.StatusHeld
			} else {
				tx.SettledAt = &now
			}
			return m.transition(ctx, tx, models.StatusProcessing, target)
		}
	}
	now := time.Now().UTC()
	tx.FailedAt = &now
	tx.FailureReason = "reconciliation: no successful provider execution found"
	return m.transition(ctx, tx, models.StatusProcessing, models.StatusFailed)
}

// Get returns a transaction by ID.
func (m *Manager) Get(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	return m.store.GetTransaction(ctx, txID)
}

func region(geo *models.Geolocation) string {
	if geo == nil {
		return ""
	}
	return geo.Country
}
