// Package rates defines the live exchange-rate source contract and its
// implementations. The fee calculator consumes snapshots produced
// here; it never talks to a source directly.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// Source supplies timestamped exchange rates
type Source interface {
	GetRate(ctx context.Context, from, to string) (models.RateSnapshot, error)
}

// StaticSource serves rates from a fixed in-memory table. Used in
// tests and as a last-resort fallback table.
type StaticSource struct {
	mu    sync.RWMutex
	name  string
	rates map[string]decimal.Decimal
}

// NewStaticSource creates a static source with the given name.
func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name, rates: make(map[string]decimal.Decimal)}
}

// Set stores the rate for a currency pair.
func (s *StaticSource) Set(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[from+"/"+to] = rate
}

// GetRate returns the stored rate for the pair, or RateUnavailable.
func (s *StaticSource) GetRate(_ context.Context, from, to string) (models.RateSnapshot, error) {
	if from == to {
		return snapshot(s.name, from, to, decimal.NewFromInt(1)), nil
	}
	s.mu.RLock()
	rate, ok := s.rates[from+"/"+to]
	s.mu.RUnlock()
	if !ok {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, nil)
	}
	return snapshot(s.name, from, to, rate), nil
}

func snapshot(source, from, to string, rate decimal.Decimal) models.RateSnapshot {
	return models.RateSnapshot{
		ID:           uuid.New(),
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		Source:       source,
		Timestamp:    time.Now().UTC(),
	}
}
