package fees

import (
	"context"

	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/rates"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/models"
	"github.com/velopay/orchestrator/pkg/validation"
)

// Service wraps the pure calculator with rate fetching and snapshot
// persistence for the public convertCurrency operation.
type Service struct {
	logger     *zap.Logger
	calculator *Calculator
	source     rates.Source
	store      store.Store
}

// NewService creates a conversion service.
func NewService(logger *zap.Logger, calc *Calculator, source rates.Source, st store.Store) *Service {
	return &Service{logger: logger, calculator: calc, source: source, store: st}
}

// Calculator exposes the underlying pure calculator.
func (s *Service) Calculator() *Calculator { return s.calculator }

// ConvertCurrency converts amount between currencies using a fresh
// rate snapshot, which is persisted for audit. Identical currencies
// skip the rate source entirely.
func (s *Service) ConvertCurrency(ctx context.Context, req *models.ConvertRequest) (*models.ConversionResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	if req.FromCurrency == req.ToCurrency {
		result := s.calculator.Convert(req.Amount, req.FromCurrency, req.ToCurrency, models.RateSnapshot{})
		return &result, nil
	}

	snapshot, err := s.source.GetRate(ctx, req.FromCurrency, req.ToCurrency)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRateSnapshot(ctx, &snapshot); err != nil {
		// The conversion is still valid; losing the audit row is worth
		// a loud log, not a failed conversion.
		s.logger.Error("Failed to persist rate snapshot",
			zap.String("pair", req.FromCurrency+"/"+req.ToCurrency), zap.Error(err))
	}

	result := s.calculator.Convert(req.Amount, req.FromCurrency, req.ToCurrency, snapshot)
	return &result, nil
}
