// Package compliance implements the pre-flight compliance gate. It is
// the only non-bypassable check in the engine: it must pass before any
// risk call or provider side effect.
package compliance

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/metrics"
	"github.com/velopay/orchestrator/pkg/models"
)

// Screener is the external compliance/screening service contract
type Screener interface {
	CheckAML(ctx context.Context, customerID uuid.UUID) (bool, error)
	CheckSanctions(ctx context.Context, customerID uuid.UUID) (bool, error)
}

// Gate runs AML, sanctions, and instrument verification checks in
// order, short-circuiting on the first failure.
type Gate struct {
	logger   *zap.Logger
	screener Screener
}

// NewGate creates a compliance gate.
func NewGate(logger *zap.Logger, screener Screener) *Gate {
	return &Gate{logger: logger, screener: screener}
}

// Check returns nil on pass or a ComplianceBlocked error naming the
// failed check. Remaining checks are skipped after a failure.
func (g *Gate) Check(ctx context.Context, customerID uuid.UUID, instrument *models.PaymentInstrument, amount decimal.Decimal, currency string) error {
	amlPassed, err := g.screener.CheckAML(ctx, customerID)
	if err != nil {
		return errors.ComplianceBlocked("AML check unavailable").WithCause(err)
	}
	if !amlPassed {
		g.logger.Warn("Compliance gate blocked submission",
			zap.String("customer_id", customerID.String()),
			zap.String("check", "aml"))
		metrics.ComplianceBlocks.WithLabelValues("aml").Inc()
		return errors.ComplianceBlocked("customer failed AML/KYC check")
	}

	sanctioned, err := g.screener.CheckSanctions(ctx, customerID)
	if err != nil {
		return errors.ComplianceBlocked("sanctions screening unavailable").WithCause(err)
	}
	if sanctioned {
		g.logger.Warn("Compliance gate blocked submission",
			zap.String("customer_id", customerID.String()),
			zap.String("check", "sanctions"))
		metrics.ComplianceBlocks.WithLabelValues("sanctions").Inc()
		return errors.ComplianceBlocked("customer matched sanctions screening")
	}

	if instrument == nil {
		metrics.ComplianceBlocks.WithLabelValues("instrument").Inc()
		return errors.ComplianceBlocked("payment instrument not found")
	}
	if instrument.Verification != "verified" {
		g.logger.Warn("Compliance gate blocked submission",
			zap.String("customer_id", customerID.String()),
			zap.String("check", "instrument"),
			zap.String("verification", instrument.Verification))
		metrics.ComplianceBlocks.WithLabelValues("instrument").Inc()
		return errors.ComplianceBlocked("payment instrument is not verified")
	}

	return nil
}
