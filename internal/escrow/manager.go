// Package escrow manages conditional release of held funds on top of
// the transaction lifecycle: full, partial, and dispute-driven
// releases, plus the scheduled auto-release reconciliation job.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/gateway"
	"github.com/velopay/orchestrator/internal/notify"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/metrics"
	"github.com/velopay/orchestrator/pkg/models"
	"github.com/velopay/orchestrator/pkg/validation"
)

// Manager performs escrow releases
type Manager struct {
	logger   *zap.Logger
	store    store.Store
	gateways gateway.Resolver
	sink     notify.Sink
	timeout  time.Duration
}

// NewManager creates an escrow manager.
func NewManager(logger *zap.Logger, st store.Store, gateways gateway.Resolver, sink notify.Sink, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{logger: logger, store: st, gateways: gateways, sink: sink, timeout: timeout}
}

// Release releases held funds. Preconditions: escrow is enabled and
// the transaction is held; a dispute release after the dispute window
// expires needs an authorized override. A partial release keeps the
// transaction held with a reduced remaining amount.
func (m *Manager) Release(ctx context.Context, req *models.ReleaseRequest) (*models.ReleaseResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	tx, err := m.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if !tx.Escrow.Enabled {
		return nil, errors.EscrowPrecondition("transaction has no escrow hold")
	}
	if tx.Status != models.StatusHeld {
		return nil, errors.EscrowPrecondition(fmt.Sprintf("transaction is %s, not held", tx.Status))
	}

	now := time.Now().UTC()
	if req.ReleaseType == models.ReleaseDispute {
		windowExpired := tx.Escrow.ScheduledRelease != nil && now.After(*tx.Escrow.ScheduledRelease)
		if windowExpired && !req.Override {
			return nil, errors.EscrowPrecondition("dispute window has expired; an authorized override is required")
		}
	}

	amount := tx.Escrow.RemainingAmount
	if req.ReleaseType == models.ReleasePartial {
		if req.Amount == nil {
			return nil, errors.Validation("partial release requires an amount")
		}
		amount = *req.Amount
		if !amount.IsPositive() || amount.GreaterThan(tx.Escrow.RemainingAmount) {
			return nil, errors.Validation("release amount must be positive and at most the remaining held amount")
		}
	}

	prior := tx.Escrow.ReleasedAmount
	tx.Escrow.ReleasedAmount = prior.Add(amount)
	tx.Escrow.RemainingAmount = tx.Escrow.RemainingAmount.Sub(amount)
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata["last_release_reason"] = req.Reason
	tx.Metadata["last_release_authorized_by"] = req.AuthorizedBy

	fullyReleased := !tx.Escrow.RemainingAmount.IsPositive()
	if fullyReleased {
		tx.Status = models.StatusReleased
		tx.SettledAt = &now
	}
	// The claim is persisted before the provider call, conditional on
	// both the held status and the prior released amount: concurrent or
	// redelivered releases lose the claim race with a Conflict instead
	// of clobbering each other's running totals.
	if err := m.store.UpdateEscrowIf(ctx, tx, models.StatusHeld, prior); err != nil {
		return nil, err
	}

	if err := m.releaseWithProvider(ctx, tx, amount, prior); err != nil {
		m.revertClaim(ctx, tx, amount, prior)
		return nil, err
	}

	metrics.EscrowReleases.WithLabelValues(string(req.ReleaseType)).Inc()
	m.sink.Notify(ctx, notify.EventEscrowReleased, tx)
	m.logger.Info("Escrow released",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("release_type", string(req.ReleaseType)),
		zap.String("amount", amount.String()),
		zap.String("remaining", tx.Escrow.RemainingAmount.String()))

	return &models.ReleaseResult{
		TransactionID:   tx.ID,
		Status:          tx.Status,
		ReleasedAmount:  amount,
		RemainingAmount: tx.Escrow.RemainingAmount,
		ReleasedAt:      now,
	}, nil
}

func (m *Manager) releaseWithProvider(ctx context.Context, tx *models.Transaction, amount, prior decimal.Decimal) error {
	gw, ok := m.gateways.Gateway(tx.Routing.Provider)
	if !ok {
		return errors.Provider(tx.Routing.Provider, fmt.Errorf("no gateway configured"))
	}
	// Claims serialize on the prior released amount, so the key is
	// unique per claimed release.
	key := fmt.Sprintf("%s:release:%s", tx.ID, prior)
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := gw.Release(callCtx, tx.Metadata["provider_transaction_id"], amount, key); err != nil {
		return errors.Provider(tx.Routing.Provider, err)
	}
	return nil
}

// revertClaim rolls a persisted release claim back after the provider
// refused it, so the held funds stay releasable.
func (m *Manager) revertClaim(ctx context.Context, tx *models.Transaction, amount, prior decimal.Decimal) {
	claimed := tx.Escrow.ReleasedAmount
	claimedStatus := tx.Status
	tx.Status = models.StatusHeld
	tx.SettledAt = nil
	tx.Escrow.ReleasedAmount = prior
	tx.Escrow.RemainingAmount = tx.Escrow.RemainingAmount.Add(amount)
	if err := m.store.UpdateEscrowIf(ctx, tx, claimedStatus, claimed); err != nil {
		m.logger.Error("Failed to revert escrow release claim",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
}

// AutoReleaseDue releases held transactions whose dispute window has
// elapsed with auto-release configured. It is a reconciliation pass,
// safe to invoke redundantly: the conditional status update makes a
// redelivered run a no-op.
func (m *Manager) AutoReleaseDue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.ListHeldDueForRelease(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, tx := range due {
		_, err := m.Release(ctx, &models.ReleaseRequest{
			TransactionID: tx.ID,
			ReleaseType:   models.ReleaseFull,
			Reason:        "dispute window elapsed",
			AuthorizedBy:  "auto-release",
		})
		if err != nil {
			// Lost races are expected under redelivery.
			if errors.KindOf(err) == errors.KindConflict || errors.KindOf(err) == errors.KindEscrowPrecondition {
				continue
			}
			m.logger.Error("Auto-release failed",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

// RunAutoRelease drives AutoReleaseDue on the given interval until the
// context is cancelled.
func (m *Manager) RunAutoRelease(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.AutoReleaseDue(ctx, batch); err != nil {
				m.logger.Error("Auto-release pass failed", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("Auto-release pass complete", zap.Int("released", n))
			}
		}
	}
}
