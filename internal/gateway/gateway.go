// Package gateway defines the capability contract every payment
// provider integration must satisfy. The engine treats all gateways
// polymorphically through this interface; provider wire protocols live
// behind it and are out of the orchestration core's scope.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/pkg/models"
)

// ChargeStatus is the provider-reported outcome of an operation
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargePending   ChargeStatus = "pending"
)

// ChargeResult is the provider's response to a charge
type ChargeResult struct {
	ProviderTransactionID string
	Status                ChargeStatus
}

// Gateway is the abstract provider contract. Charge must honor the
// idempotency key under at-least-once delivery: a retried call with
// the same key has at most one effect.
type Gateway interface {
	Charge(ctx context.Context, instrument *models.PaymentInstrument, amount decimal.Decimal, currency, idempotencyKey string) (ChargeResult, error)
	Refund(ctx context.Context, providerTransactionID string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error)
	Release(ctx context.Context, providerTransactionID string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error)
	// Status reports the provider-side state of a transaction, used by
	// crash-recovery reconciliation.
	Status(ctx context.Context, providerTransactionID string) (ChargeStatus, error)
}

// Resolver maps a provider name to its gateway client
type Resolver interface {
	Gateway(provider string) (Gateway, bool)
}

// StaticResolver is a fixed provider→gateway map built at startup
type StaticResolver map[string]Gateway

// Gateway returns the gateway for the provider.
func (r StaticResolver) Gateway(provider string) (Gateway, bool) {
	g, ok := r[provider]
	return g, ok
}
