package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/pkg/models"
)

// MemoryGateway is an in-process gateway with configurable failure
// behavior. It backs deterministic tests and local development; its
// idempotency semantics mirror what real providers guarantee.
type MemoryGateway struct {
	mu       sync.Mutex
	name     string
	failNext int
	failAll  bool
	charges  map[string]ChargeResult // idempotency key -> result
	statuses map[string]ChargeStatus // provider tx id -> status
}

// NewMemoryGateway creates an in-memory gateway.
func NewMemoryGateway(name string) *MemoryGateway {
	return &MemoryGateway{
		name:     name,
		charges:  make(map[string]ChargeResult),
		statuses: make(map[string]ChargeStatus),
	}
}

// FailNext makes the next n charges fail.
func (g *MemoryGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// FailAll makes every charge fail until reset.
func (g *MemoryGateway) FailAll(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = fail
}

// ChargeCount returns how many distinct charges were recorded.
func (g *MemoryGateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// Charge records a charge, deduplicating on the idempotency key.
func (g *MemoryGateway) Charge(_ context.Context, _ *models.PaymentInstrument, _ decimal.Decimal, _ string, idempotencyKey string) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Replays with a known key return the original result untouched.
	if prior, ok := g.charges[idempotencyKey]; ok {
		return prior, nil
	}

	if g.failAll || g.failNext > 0 {
		if g.failNext > 0 {
			g.failNext--
		}
		return ChargeResult{}, fmt.Errorf("%s: charge declined", g.name)
	}

	result := ChargeResult{
		ProviderTransactionID: uuid.New().String(),
		Status:                ChargeSucceeded,
	}
	g.charges[idempotencyKey] = result
	g.statuses[result.ProviderTransactionID] = ChargeSucceeded
	return result, nil
}

// Refund records a refund against a prior charge.
func (g *MemoryGateway) Refund(_ context.Context, providerTransactionID string, _ decimal.Decimal, idempotencyKey string) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prior, ok := g.charges[idempotencyKey]; ok {
		return prior, nil
	}
	if _, ok := g.statuses[providerTransactionID]; !ok {
		return ChargeResult{}, fmt.Errorf("%s: unknown transaction %s", g.name, providerTransactionID)
	}
	result := ChargeResult{ProviderTransactionID: uuid.New().String(), Status: ChargeSucceeded}
	g.charges[idempotencyKey] = result
	return result, nil
}

// Release marks escrowed funds as released.
func (g *MemoryGateway) Release(ctx context.Context, providerTransactionID string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error) {
	return g.Refund(ctx, providerTransactionID, amount, idempotencyKey)
}

// Status reports the provider-side state of a transaction.
func (g *MemoryGateway) Status(_ context.Context, providerTransactionID string) (ChargeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[providerTransactionID]
	if !ok {
		return ChargeFailed, nil
	}
	return status, nil
}
