// Package risk scores candidate transactions and recommends an
// approval decision. The engine never blocks a transaction itself;
// enforcement belongs to the lifecycle manager, which keeps the
// scoring policy auditable and independently testable.
package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/pkg/models"
)

// Tier represents a coarse risk bucket
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	}
	return "unknown"
}

// Factor is one weighted contribution to a risk score
type Factor struct {
	Type        string `json:"type"`
	Weight      int    `json:"weight"`
	Description string `json:"description"`
}

// Assessment is the engine's output. It is persisted onto the
// transaction as its compliance snapshot, not as a standalone entity.
type Assessment struct {
	Score        int      `json:"score"`
	Tier         Tier     `json:"tier"`
	Factors      []Factor `json:"factors"`
	Actions      []string `json:"recommended_actions"`
	AutoApproved bool     `json:"auto_approved"`
}

// Input carries the signals available for scoring
type Input struct {
	CustomerID        uuid.UUID
	Amount            decimal.Decimal
	Currency          string
	Instrument        *models.PaymentInstrument
	DeviceFingerprint string
	Geolocation       *models.Geolocation
}

// HistoryProvider supplies customer history signals
type HistoryProvider interface {
	HasSuspiciousActivity(ctx context.Context, customerID uuid.UUID) (bool, error)
}

// SignalProvider supplies device and geolocation anomaly weights.
// Weights must be non-negative; a zero weight means no anomaly.
type SignalProvider interface {
	DeviceAnomalyWeight(ctx context.Context, fingerprint string) (int, string)
	GeoAnomalyWeight(ctx context.Context, customerID uuid.UUID, geo *models.Geolocation) (int, string)
}

// Engine scores transactions using configured weights and thresholds
type Engine struct {
	logger  *zap.Logger
	cfg     config.RiskConfig
	history HistoryProvider
	signals SignalProvider
}

// NewEngine creates a risk engine. history and signals may be nil, in
// which case the corresponding factors are skipped.
func NewEngine(logger *zap.Logger, cfg config.RiskConfig, history HistoryProvider, signals SignalProvider) *Engine {
	return &Engine{logger: logger, cfg: cfg, history: history, signals: signals}
}

// Assess scores the input. The score starts at zero and only
// accumulates non-negative weights, so adding a factor never lowers it.
func (e *Engine) Assess(ctx context.Context, in Input) (*Assessment, error) {
	assessment := &Assessment{}

	if e.history != nil {
		suspicious, err := e.history.HasSuspiciousActivity(ctx, in.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load customer history: %w", err)
		}
		if suspicious {
			e.add(assessment, Factor{
				Type:        "suspicious_activity",
				Weight:      e.cfg.SuspiciousActivityWeight,
				Description: "customer has suspicious prior activity",
			})
		}
	}

	if in.Amount.GreaterThan(e.cfg.HighAmountThreshold) {
		e.add(assessment, Factor{
			Type:        "high_amount",
			Weight:      e.cfg.HighAmountWeight,
			Description: fmt.Sprintf("amount exceeds high-value threshold %s", e.cfg.HighAmountThreshold),
		})
	}

	if in.Instrument != nil && in.Instrument.Class == models.InstrumentCryptocurrency {
		e.add(assessment, Factor{
			Type:        "crypto_instrument",
			Weight:      e.cfg.CryptoWeight,
			Description: "cryptocurrency instruments carry elevated risk",
		})
	}

	if e.signals != nil {
		if w, desc := e.signals.GeoAnomalyWeight(ctx, in.CustomerID, in.Geolocation); w > 0 {
			e.add(assessment, Factor{Type: "geo_anomaly", Weight: w, Description: desc})
		}
		if in.DeviceFingerprint != "" {
			if w, desc := e.signals.DeviceAnomalyWeight(ctx, in.DeviceFingerprint); w > 0 {
				e.add(assessment, Factor{Type: "device_anomaly", Weight: w, Description: desc})
			}
		}
	}

	assessment.Tier = e.tier(assessment.Score)
	assessment.AutoApproved = assessment.Tier == TierLow || assessment.Tier == TierMedium
	switch assessment.Tier {
	case TierHigh:
		assessment.Actions = append(assessment.Actions, "manual_review")
	case TierCritical:
		assessment.Actions = append(assessment.Actions, "manual_review", "block")
	}

	e.logger.Debug("Risk assessment complete",
		zap.String("customer_id", in.CustomerID.String()),
		zap.Int("score", assessment.Score),
		zap.String("tier", assessment.Tier.String()),
		zap.Int("factors", len(assessment.Factors)))

	return assessment, nil
}

func (e *Engine) add(a *Assessment, f Factor) {
	if f.Weight < 0 {
		// Negative weights would break score monotonicity.
		f.Weight = 0
	}
	a.Factors = append(a.Factors, f)
	a.Score += f.Weight
}

func (e *Engine) tier(score int) Tier {
	switch {
	case score < e.cfg.TierLowMax:
		return TierLow
	case score < e.cfg.TierMediumMax:
		return TierMedium
	case score < e.cfg.TierHighMax:
		return TierHigh
	default:
		return TierCritical
	}
}
