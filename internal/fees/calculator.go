// Package fees computes platform, provider, and processing fees and
// performs currency conversion. Everything here is a pure function of
// its inputs plus an injected rate snapshot; the calculator never
// fetches rates itself.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/pkg/models"
)

// Calculator applies the configured fee schedule
type Calculator struct {
	platformRate   decimal.Decimal
	processingRate decimal.Decimal
	conversionRate decimal.Decimal
}

// NewCalculator creates a fee calculator from the fee configuration.
func NewCalculator(cfg config.FeeConfig) *Calculator {
	return &Calculator{
		platformRate:   cfg.PlatformRate,
		processingRate: cfg.ProcessingRate,
		conversionRate: cfg.ConversionRate,
	}
}

// Fees computes the fee breakdown for executing amount through the
// given provider. All components are in the settlement currency.
func (c *Calculator) Fees(amount decimal.Decimal, provider *registry.Provider) models.FeeBreakdown {
	breakdown := models.FeeBreakdown{
		Platform:   amount.Mul(c.platformRate).Round(2),
		Processing: amount.Mul(c.processingRate).Round(2),
	}
	if provider != nil {
		breakdown.Provider = provider.FeeFixed.Add(amount.Mul(provider.FeePercent)).Round(2)
	}
	return breakdown
}

// Convert applies the snapshot rate plus the flat conversion fee.
// Identical currencies are a no-op with rate 1 and zero fee.
func (c *Calculator) Convert(amount decimal.Decimal, from, to string, snapshot models.RateSnapshot) models.ConversionResult {
	if from == to {
		return models.ConversionResult{
			ConvertedAmount: amount,
			Rate:            decimal.NewFromInt(1),
			Fee:             decimal.Zero,
			Snapshot:        snapshot,
		}
	}
	converted := amount.Mul(snapshot.Rate)
	fee := converted.Mul(c.conversionRate).Round(2)
	return models.ConversionResult{
		ConvertedAmount: converted.Sub(fee).Round(2),
		Rate:            snapshot.Rate,
		Fee:             fee,
		Snapshot:        snapshot,
	}
}
