package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Geolocation is an optional risk signal supplied with a submission
type Geolocation struct {
	Country   string  `json:"country" validate:"omitempty,len=2"`
	Latitude  float64 `json:"latitude" validate:"omitempty,min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"omitempty,min=-180,max=180"`
}

// EscrowOptions configures an escrow hold on submission
type EscrowOptions struct {
	Enabled           bool          `json:"enabled"`
	ReleaseConditions string        `json:"release_conditions,omitempty" validate:"omitempty,max=500"`
	AutoRelease       bool          `json:"auto_release"`
	DisputeWindow     time.Duration `json:"dispute_window" validate:"omitempty,min=0"`
}

// PaymentRequest is the input to submitPayment
type PaymentRequest struct {
	CustomerID        uuid.UUID         `json:"customer_id" binding:"required" validate:"required"`
	InstrumentID      uuid.UUID         `json:"instrument_id" binding:"required" validate:"required"`
	Amount            decimal.Decimal   `json:"amount" binding:"required" validate:"required"`
	Currency          string            `json:"currency" binding:"required" validate:"required,currency_code"`
	Type              TransactionType   `json:"type" validate:"omitempty,oneof=payment payout tip bonus"`
	BookingRef        string            `json:"booking_ref,omitempty" validate:"omitempty,max=64"`
	Escrow            EscrowOptions     `json:"escrow"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty" validate:"omitempty,max=128"`
	Geolocation       *Geolocation      `json:"geolocation,omitempty"`
	RiskOverride      bool              `json:"risk_override,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RiskRequest is the input to assessRisk
type RiskRequest struct {
	CustomerID        uuid.UUID       `json:"customer_id" binding:"required" validate:"required"`
	InstrumentID      uuid.UUID       `json:"instrument_id" binding:"required" validate:"required"`
	Amount            decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Currency          string          `json:"currency" binding:"required" validate:"required,currency_code"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty" validate:"omitempty,max=128"`
	Geolocation       *Geolocation    `json:"geolocation,omitempty"`
}

// RouteRequest is the input to route
type RouteRequest struct {
	InstrumentID uuid.UUID       `json:"instrument_id" binding:"required" validate:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Currency     string          `json:"currency" binding:"required" validate:"required,currency_code"`
}

// ReleaseType distinguishes escrow release flavors
type ReleaseType string

const (
	ReleaseFull    ReleaseType = "full"
	ReleasePartial ReleaseType = "partial"
	ReleaseDispute ReleaseType = "dispute"
)

// ReleaseRequest is the input to releaseEscrow
type ReleaseRequest struct {
	TransactionID uuid.UUID        `json:"transaction_id" binding:"required" validate:"required"`
	ReleaseType   ReleaseType      `json:"release_type" binding:"required" validate:"required,oneof=full partial dispute"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reason        string           `json:"reason" binding:"required" validate:"required,max=500"`
	AuthorizedBy  string           `json:"authorized_by" binding:"required" validate:"required,max=100"`
	Override      bool             `json:"override,omitempty"`
}

// ReleaseResult reports the outcome of an escrow release
type ReleaseResult struct {
	TransactionID   uuid.UUID         `json:"transaction_id"`
	Status          TransactionStatus `json:"status"`
	ReleasedAmount  decimal.Decimal   `json:"released_amount"`
	RemainingAmount decimal.Decimal   `json:"remaining_amount"`
	ReleasedAt      time.Time         `json:"released_at"`
}

// ConvertRequest is the input to convertCurrency
type ConvertRequest struct {
	Amount       decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	FromCurrency string          `json:"from_currency" binding:"required" validate:"required,currency_code"`
	ToCurrency   string          `json:"to_currency" binding:"required" validate:"required,currency_code"`
}

// ConversionResult reports a currency conversion with its audit rate
type ConversionResult struct {
	ConvertedAmount decimal.Decimal `json:"converted_amount"`
	Rate            decimal.Decimal `json:"rate"`
	Fee             decimal.Decimal `json:"fee"`
	Snapshot        RateSnapshot    `json:"snapshot"`
}

// SubscriptionRequest is the input to createSubscription
type SubscriptionRequest struct {
	CustomerID   uuid.UUID       `json:"customer_id" binding:"required" validate:"required"`
	InstrumentID uuid.UUID       `json:"instrument_id" binding:"required" validate:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Currency     string          `json:"currency" binding:"required" validate:"required,currency_code"`
	Provider     string          `json:"provider" binding:"required" validate:"required"`
	Interval     time.Duration   `json:"interval" binding:"required" validate:"required"`
}

// RefundRequest creates a compensating refund transaction
type RefundRequest struct {
	TransactionID uuid.UUID        `json:"transaction_id" binding:"required" validate:"required"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reason        string           `json:"reason" binding:"required" validate:"required,max=500"`
}

// DisputeRequest opens a dispute on a settled transaction
type DisputeRequest struct {
	TransactionID uuid.UUID `json:"transaction_id" binding:"required" validate:"required"`
	Reason        string    `json:"reason" binding:"required" validate:"required,max=500"`
	OpenedBy      string    `json:"opened_by" binding:"required" validate:"required,max=100"`
}
