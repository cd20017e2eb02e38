// Package models defines the persistent entities and request types
// shared across the payment orchestration engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus represents the lifecycle state of a transaction
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusHeld       TransactionStatus = "held"
	StatusReleased   TransactionStatus = "released"
	StatusDisputed   TransactionStatus = "disputed"
)

// Terminal reports whether no further lifecycle transition is allowed
// from the status, dispute opening aside.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusReleased:
		return true
	}
	return false
}

// TransactionType represents what kind of money movement a
// transaction records. Compensating types (refund, dispute_settlement,
// adjustment) reference an original transaction and never mutate it.
type TransactionType string

const (
	TypePayment           TransactionType = "payment"
	TypeRefund            TransactionType = "refund"
	TypePayout            TransactionType = "payout"
	TypeFee               TransactionType = "fee"
	TypeAdjustment        TransactionType = "adjustment"
	TypeDisputeSettlement TransactionType = "dispute_settlement"
	TypeTip               TransactionType = "tip"
	TypeBonus             TransactionType = "bonus"
)

// InstrumentClass represents the family of a payment instrument
type InstrumentClass string

const (
	InstrumentCard           InstrumentClass = "card"
	InstrumentBankTransfer   InstrumentClass = "bank_transfer"
	InstrumentDigitalWallet  InstrumentClass = "digital_wallet"
	InstrumentCryptocurrency InstrumentClass = "cryptocurrency"
	InstrumentBNPL           InstrumentClass = "buy_now_pay_later"
	InstrumentWire           InstrumentClass = "wire"
	InstrumentMobileMoney    InstrumentClass = "mobile_money"
	InstrumentCashOnDelivery InstrumentClass = "cash_on_delivery"
)

// VerificationLevel grades how thoroughly an instrument was verified
type VerificationLevel string

const (
	VerificationBasic    VerificationLevel = "basic"
	VerificationEnhanced VerificationLevel = "enhanced"
	VerificationPremium  VerificationLevel = "premium"
)

// FeeBreakdown carries the three fee components in the settlement currency
type FeeBreakdown struct {
	Platform   decimal.Decimal `json:"platform" gorm:"type:numeric"`
	Provider   decimal.Decimal `json:"provider" gorm:"type:numeric"`
	Processing decimal.Decimal `json:"processing" gorm:"type:numeric"`
}

// Total returns the sum of all fee components.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.Platform.Add(f.Provider).Add(f.Processing)
}

// EscrowDescriptor configures and tracks an escrow hold on a transaction
type EscrowDescriptor struct {
	Enabled           bool            `json:"enabled"`
	ReleaseConditions string          `json:"release_conditions,omitempty" gorm:"type:text"`
	AutoRelease       bool            `json:"auto_release"`
	DisputeWindow     time.Duration   `json:"dispute_window"`
	ScheduledRelease  *time.Time      `json:"scheduled_release,omitempty"`
	ReleasedAmount    decimal.Decimal `json:"released_amount" gorm:"type:numeric"`
	RemainingAmount   decimal.Decimal `json:"remaining_amount" gorm:"type:numeric"`
}

// RoutingDescriptor records the provider that executed the transaction
type RoutingDescriptor struct {
	Provider       string `json:"provider"`
	GatewayVariant string `json:"gateway_variant"`
	MerchantID     string `json:"merchant_id"`
	AcquirerID     string `json:"acquirer_id"`
}

// ComplianceSnapshot persists the compliance and risk outcome that the
// transaction was admitted under.
type ComplianceSnapshot struct {
	AMLPassed          bool `json:"aml_passed"`
	FraudScore         int  `json:"fraud_score" validate:"min=0,max=100"`
	SanctionsHit       bool `json:"sanctions_hit"`
	InstrumentVerified bool `json:"instrument_verified"`
}

// AttemptRecord is one entry in a transaction's provider attempt trail
type AttemptRecord struct {
	Index          int        `json:"index"`
	Provider       string     `json:"provider"`
	IdempotencyKey string     `json:"idempotency_key"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Succeeded      bool       `json:"succeeded"`
	Error          string     `json:"error,omitempty"`
}

// Transaction is the central money-movement record. It is never
// deleted; reversals are new transactions of a compensating type
// referencing the original via OriginalTransactionID.
type Transaction struct {
	ID            uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	BookingRef    string            `json:"booking_ref" gorm:"index" validate:"omitempty,max=64"`
	CustomerID    uuid.UUID         `json:"customer_id" gorm:"type:uuid;index" validate:"required"`
	Amount        decimal.Decimal   `json:"amount" gorm:"type:numeric" validate:"required"`
	Currency      string            `json:"currency" validate:"required,currency_code"`
	Status        TransactionStatus `json:"status" gorm:"index" validate:"required"`
	Type          TransactionType   `json:"type" validate:"required"`
	InstrumentID  uuid.UUID         `json:"instrument_id" gorm:"type:uuid" validate:"required"`
	Fees          FeeBreakdown      `json:"fees" gorm:"embedded;embeddedPrefix:fee_"`
	Escrow        EscrowDescriptor  `json:"escrow" gorm:"embedded;embeddedPrefix:escrow_"`
	Routing       RoutingDescriptor `json:"routing" gorm:"embedded;embeddedPrefix:route_"`
	Compliance    ComplianceSnapshot `json:"compliance" gorm:"embedded;embeddedPrefix:compliance_"`
	FailureReason string            `json:"failure_reason,omitempty" gorm:"type:text"`
	Attempts      []AttemptRecord   `json:"attempts,omitempty" gorm:"serializer:json"`
	Metadata      map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`

	// Compensating transactions reference the record they reverse.
	OriginalTransactionID *uuid.UUID `json:"original_transaction_id,omitempty" gorm:"type:uuid;index"`

	// Timeline. Once a terminal status is reached its branch timestamp
	// is immutable.
	InitiatedAt  time.Time  `json:"initiated_at"`
	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentInstrument represents a reusable payment method owned by a
// customer. Transactions reference instruments, never own them.
type PaymentInstrument struct {
	ID               uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	CustomerID       uuid.UUID         `json:"customer_id" gorm:"type:uuid;index" validate:"required"`
	Class            InstrumentClass   `json:"class" validate:"required"`
	ProviderAffinity string            `json:"provider_affinity,omitempty"`
	Currency         string            `json:"currency" validate:"required,currency_code"`
	FeeFixed         decimal.Decimal   `json:"fee_fixed" gorm:"type:numeric"`
	FeePercent       decimal.Decimal   `json:"fee_percent" gorm:"type:numeric"`
	DailyLimit       *decimal.Decimal  `json:"daily_limit,omitempty" gorm:"type:numeric"`
	MonthlyLimit     *decimal.Decimal  `json:"monthly_limit,omitempty" gorm:"type:numeric"`
	PerTxLimit       *decimal.Decimal  `json:"per_tx_limit,omitempty" gorm:"type:numeric"`
	Verification     string            `json:"verification" validate:"required,oneof=pending verified failed"`
	VerificationTier VerificationLevel `json:"verification_tier" validate:"required,oneof=basic enhanced premium"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RateSnapshot is a timestamped exchange rate kept for audit
type RateSnapshot struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	FromCurrency string          `json:"from_currency" validate:"required,currency_code"`
	ToCurrency   string          `json:"to_currency" validate:"required,currency_code"`
	Rate         decimal.Decimal `json:"rate" gorm:"type:numeric" validate:"required"`
	Source       string          `json:"source"`
	Timestamp    time.Time       `json:"timestamp"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Subscription is a recurring charge agreement executed through the
// normal submission path on each billing cycle.
type Subscription struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	CustomerID   uuid.UUID       `json:"customer_id" gorm:"type:uuid;index" validate:"required"`
	InstrumentID uuid.UUID       `json:"instrument_id" gorm:"type:uuid" validate:"required"`
	Provider     string          `json:"provider" validate:"required"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric" validate:"required"`
	Currency     string          `json:"currency" validate:"required,currency_code"`
	Interval     time.Duration   `json:"interval" validate:"required"`
	NextChargeAt time.Time       `json:"next_charge_at"`
	Status       string          `json:"status" validate:"required,oneof=active paused cancelled"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
