// Package store is the narrow repository over the transactional
// datastore. It is the single source of truth for transaction status;
// lifecycle transitions go through conditional updates keyed on the
// current status so concurrent transitions cannot silently clobber
// each other.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// Store is the repository contract used by the lifecycle and escrow
// managers and the subscription service.
type Store interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	// UpdateStatusIf persists tx only if its stored status still equals
	// from; returns a Conflict error when the optimistic check fails.
	UpdateStatusIf(ctx context.Context, tx *models.Transaction, from models.TransactionStatus) error
	// UpdateEscrowIf persists tx only if its stored status and released
	// escrow amount both still match; returns Conflict otherwise.
	UpdateEscrowIf(ctx context.Context, tx *models.Transaction, from models.TransactionStatus, fromReleased decimal.Decimal) error
	GetTransactionByBookingRef(ctx context.Context, ref string) (*models.Transaction, error)
	ListByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error)
	ListHeldDueForRelease(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error)
	CountCustomerFlagged(ctx context.Context, customerID uuid.UUID, since time.Time) (int64, error)
	SumInstrumentCharges(ctx context.Context, instrumentID uuid.UUID, since time.Time) (decimal.Decimal, error)

	GetInstrument(ctx context.Context, id uuid.UUID) (*models.PaymentInstrument, error)
	UpsertInstrument(ctx context.Context, instrument *models.PaymentInstrument) error

	SaveRateSnapshot(ctx context.Context, snapshot *models.RateSnapshot) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptionsDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)
}

// GormStore implements Store on gorm
type GormStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewGormStore creates a repository and migrates its schema.
func NewGormStore(logger *zap.Logger, db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&models.Transaction{},
		&models.PaymentInstrument{},
		&models.RateSnapshot{},
		&models.Subscription{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{logger: logger, db: db}, nil
}

// CreateTransaction inserts a new transaction record.
func (s *GormStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction by ID.
func (s *GormStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("transaction")
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

// SaveTransaction persists the full transaction record.
func (s *GormStore) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Save(tx).Error; err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// UpdateStatusIf performs an optimistic conditional update keyed on
// the current stored status.
func (s *GormStore) UpdateStatusIf(ctx context.Context, tx *models.Transaction, from models.TransactionStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", tx.ID, from).
		Select("*").
		Omit("created_at").
		Updates(tx)
	if result.Error != nil {
		return fmt.Errorf("failed to update transaction status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Conflict(fmt.Sprintf("transaction %s is no longer %s", tx.ID, from))
	}
	return nil
}

// UpdateEscrowIf performs an optimistic conditional update keyed on
// both the current status and the released escrow amount, so
// concurrent partial releases serialize instead of clobbering each
// other's running totals.
func (s *GormStore) UpdateEscrowIf(ctx context.Context, tx *models.Transaction, from models.TransactionStatus, fromReleased decimal.Decimal) error {
	result := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND escrow_released_amount = ?", tx.ID, from, fromReleased).
		Select("*").
		Omit("created_at").
		Updates(tx)
	if result.Error != nil {
		return fmt.Errorf("failed to update escrow state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Conflict(fmt.Sprintf("transaction %s escrow state changed concurrently", tx.ID))
	}
	return nil
}

// GetTransactionByBookingRef returns the most recent transaction
// carrying the given booking reference.
func (s *GormStore) GetTransactionByBookingRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).
		Where("booking_ref = ?", ref).
		Order("created_at DESC").
		First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("transaction")
		}
		return nil, fmt.Errorf("failed to get transaction by booking ref: %w", err)
	}
	return &tx, nil
}

// ListByStatus returns transactions in the given status, oldest first.
func (s *GormStore) ListByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// ListHeldDueForRelease returns held escrow transactions whose
// scheduled release time has passed and auto-release is configured.
func (s *GormStore) ListHeldDueForRelease(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	if err := s.db.WithContext(ctx).
		Where("status = ? AND escrow_enabled = ? AND escrow_auto_release = ? AND escrow_scheduled_release <= ?",
			models.StatusHeld, true, true, now).
		Order("escrow_scheduled_release ASC").
		Limit(limit).
		Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list due escrow transactions: %w", err)
	}
	return txs, nil
}

// CountCustomerFlagged counts a customer's disputed and failed
// transactions since the given time, used as a risk history signal.
func (s *GormStore) CountCustomerFlagged(ctx context.Context, customerID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("customer_id = ? AND status IN ? AND created_at >= ?",
			customerID, []models.TransactionStatus{models.StatusDisputed, models.StatusFailed}, since).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count flagged transactions: %w", err)
	}
	return n, nil
}

// SumInstrumentCharges sums the amounts charged against an instrument
// since the given time, skipping failed and cancelled attempts and
// compensating transaction types. Used for rolling limit enforcement.
func (s *GormStore) SumInstrumentCharges(ctx context.Context, instrumentID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total sql.NullString
	if err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("instrument_id = ? AND type = ? AND status NOT IN ? AND created_at >= ?",
			instrumentID, models.TypePayment,
			[]models.TransactionStatus{models.StatusFailed, models.StatusCancelled}, since).
		Select("SUM(amount)").
		Scan(&total).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum instrument charges: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	sum, err := decimal.NewFromString(total.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse charge sum %q: %w", total.String, err)
	}
	return sum, nil
}

// GetInstrument loads a payment instrument by ID.
func (s *GormStore) GetInstrument(ctx context.Context, id uuid.UUID) (*models.PaymentInstrument, error) {
	var instrument models.PaymentInstrument
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&instrument).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("payment instrument")
		}
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return &instrument, nil
}

// UpsertInstrument creates or updates a payment instrument.
func (s *GormStore) UpsertInstrument(ctx context.Context, instrument *models.PaymentInstrument) error {
	if err := s.db.WithContext(ctx).Save(instrument).Error; err != nil {
		return fmt.Errorf("failed to upsert instrument: %w", err)
	}
	return nil
}

// SaveRateSnapshot stores a rate snapshot for audit.
func (s *GormStore) SaveRateSnapshot(ctx context.Context, snapshot *models.RateSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to save rate snapshot: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription record.
func (s *GormStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by ID.
func (s *GormStore) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("subscription")
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// SaveSubscription persists a subscription record.
func (s *GormStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// ListSubscriptionsDue returns active subscriptions whose next charge
// time has passed.
func (s *GormStore) ListSubscriptionsDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_charge_at <= ?", "active", now).
		Order("next_charge_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return subs, nil
}
