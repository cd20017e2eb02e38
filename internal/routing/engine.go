// Package routing ranks provider route candidates for a transaction
// request. The engine only ranks; it never executes payments.
package routing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/fees"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// Candidate is an ephemeral ranked (provider, gateway) pairing. The
// winning candidate is embedded into the transaction's routing
// descriptor; candidates themselves are never persisted.
type Candidate struct {
	Provider       string          `json:"provider"`
	GatewayVariant string          `json:"gateway_variant"`
	MerchantID     string          `json:"merchant_id"`
	AcquirerID     string          `json:"acquirer_id"`
	FeeEstimate    decimal.Decimal `json:"fee_estimate"`
	SuccessRate    float64         `json:"success_rate"`
	AvgLatencyMs   float64         `json:"avg_latency_ms"`
	Rank           int             `json:"rank"`
}

// Input describes the request being routed
type Input struct {
	Amount     decimal.Decimal
	Currency   string
	Instrument *models.PaymentInstrument
	Region     string
	Escrow     bool
}

// Engine selects ordered route candidates from the provider registry
type Engine struct {
	logger     *zap.Logger
	registry   *registry.Registry
	calculator *fees.Calculator
	health     Health
	policy     *PolicyHolder
}

// NewEngine creates a routing engine.
func NewEngine(logger *zap.Logger, reg *registry.Registry, calc *fees.Calculator, health Health, policy *PolicyHolder) *Engine {
	return &Engine{logger: logger, registry: reg, calculator: calc, health: health, policy: policy}
}

// Route returns candidates ordered by preference. Ranking is
// deterministic for a fixed registry, policy, and metrics snapshot:
// optimization weighting orders candidates, ties break by lowest fee,
// then highest success rate, then provider name.
func (e *Engine) Route(ctx context.Context, in Input) ([]Candidate, error) {
	if in.Instrument == nil {
		return nil, errors.Validation("payment instrument is required for routing")
	}

	snapshot := e.registry.Snapshot()
	policy := e.policy.Load()

	providers := snapshot.Matching(in.Instrument.Class, in.Currency)
	if in.Escrow {
		providers = filterEscrow(providers)
	}
	if len(providers) == 0 {
		return nil, errors.Newf(errors.KindValidation,
			"no provider supports %s in %s", in.Instrument.Class, in.Currency)
	}

	candidates := make([]Candidate, 0, len(providers))
	for _, p := range providers {
		stats, err := e.health.Stats(ctx, p.Name)
		if err != nil {
			// Health data is advisory; score conservatively without it.
			e.logger.Warn("Provider health unavailable", zap.String("provider", p.Name), zap.Error(err))
			stats = ProviderStats{SuccessRate: 1}
		}
		candidates = append(candidates, Candidate{
			Provider:       p.Name,
			GatewayVariant: p.GatewayVariant,
			MerchantID:     p.MerchantID,
			AcquirerID:     p.AcquirerID,
			FeeEstimate:    e.calculator.Fees(in.Amount, p).Total(),
			SuccessRate:    stats.SuccessRate,
			AvgLatencyMs:   stats.AvgLatencyMs,
		})
	}

	e.rank(candidates, snapshot, policy, in)

	// First matching policy rule promotes its target to rank 0, with
	// its fallback (if configured) right behind.
	for _, rule := range policy.Rules {
		if !rule.Matches(in.Instrument.Class, in.Currency, in.Amount, in.Region) {
			continue
		}
		promote(candidates, rule.Fallback)
		promote(candidates, rule.Provider)
		break
	}

	for i := range candidates {
		candidates[i].Rank = i
	}
	return candidates, nil
}

func filterEscrow(providers []*registry.Provider) []*registry.Provider {
	var out []*registry.Provider
	for _, p := range providers {
		if p.SupportsEscrow {
			out = append(out, p)
		}
	}
	return out
}

// rank orders candidates by optimization score, then fee, then success
// rate, then provider name.
func (e *Engine) rank(candidates []Candidate, snapshot *registry.Snapshot, policy *Policy, in Input) {
	score := func(c Candidate) float64 {
		var s float64
		if policy.MaximizeSuccess {
			s += c.SuccessRate
		}
		if policy.MinimizeCost && in.Amount.IsPositive() {
			// Fee as a fraction of amount, inverted so cheaper is higher.
			frac, _ := c.FeeEstimate.Div(in.Amount).Float64()
			s += 1 - frac
		}
		if policy.OptimizeSpeed {
			s += 1 / (1 + c.AvgLatencyMs/1000)
		}
		if policy.GeographicRouting && policy.HomeRegion != "" {
			if p := snapshot.Get(c.Provider); p != nil && p.InRegion(policy.HomeRegion) {
				s += 1
			}
		}
		return s
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		if !candidates[i].FeeEstimate.Equal(candidates[j].FeeEstimate) {
			return candidates[i].FeeEstimate.LessThan(candidates[j].FeeEstimate)
		}
		if candidates[i].SuccessRate != candidates[j].SuccessRate {
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		}
		return candidates[i].Provider < candidates[j].Provider
	})
}

// promote moves the named provider to the front, preserving the
// relative order of the others.
func promote(candidates []Candidate, provider string) {
	if provider == "" {
		return
	}
	for i, c := range candidates {
		if c.Provider == provider {
			copy(candidates[1:i+1], candidates[:i])
			candidates[0] = c
			return
		}
	}
}
