// Package subscription manages recurring charge agreements. Each
// billing cycle executes through the normal submission path so
// compliance, risk, and routing apply to every recurring charge.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/lifecycle"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
	"github.com/velopay/orchestrator/pkg/validation"
)

// Service manages subscriptions
type Service struct {
	logger    *zap.Logger
	store     store.Store
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
}

// NewService creates a subscription service.
func NewService(logger *zap.Logger, st store.Store, reg *registry.Registry, lc *lifecycle.Manager) *Service {
	return &Service{logger: logger, store: st, registry: reg, lifecycle: lc}
}

// Create registers a subscription against a provider that supports
// recurring charges.
func (s *Service) Create(ctx context.Context, req *models.SubscriptionRequest) (*models.Subscription, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Validation("amount must be positive")
	}
	if req.Interval < time.Hour {
		return nil, errors.Validation("billing interval must be at least one hour")
	}

	provider := s.registry.Snapshot().Get(req.Provider)
	if provider == nil {
		return nil, errors.Validation(fmt.Sprintf("unknown provider %s", req.Provider))
	}
	if !provider.SupportsSubscription {
		return nil, errors.Validation(fmt.Sprintf("provider %s does not support subscriptions", req.Provider))
	}
	if _, err := s.store.GetInstrument(ctx, req.InstrumentID); err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.Validation("unknown payment instrument")
		}
		return nil, err
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:           uuid.New(),
		CustomerID:   req.CustomerID,
		InstrumentID: req.InstrumentID,
		Provider:     req.Provider,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Interval:     req.Interval,
		NextChargeAt: now.Add(req.Interval),
		Status:       "active",
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("provider", sub.Provider),
		zap.Duration("interval", sub.Interval))
	return sub, nil
}

// Cancel stops future billing for a subscription.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == "cancelled" {
		return sub, nil
	}
	sub.Status = "cancelled"
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ChargeDue submits payments for subscriptions whose billing time has
// arrived. The booking reference pins the billing cycle: before
// submitting, the cycle's booking ref is looked up, and an existing
// non-failed transaction means the cycle was already billed, so a
// redelivered run or a crash between submit and save cannot
// double-charge.
func (s *Service) ChargeDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListSubscriptionsDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	charged := 0
	for _, sub := range due {
		ref := fmt.Sprintf("sub:%s:%d", sub.ID, sub.NextChargeAt.Unix())

		billed, err := s.cycleAlreadyBilled(ctx, ref)
		if err != nil {
			return charged, err
		}
		if !billed {
			_, err = s.lifecycle.Submit(ctx, &models.PaymentRequest{
				CustomerID:   sub.CustomerID,
				InstrumentID: sub.InstrumentID,
				Amount:       sub.Amount,
				Currency:     sub.Currency,
				Type:         models.TypePayment,
				BookingRef:   ref,
				Metadata:     map[string]string{"subscription_id": sub.ID.String()},
			})
			if err != nil {
				s.logger.Warn("Subscription charge failed",
					zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			}
		}

		sub.NextChargeAt = sub.NextChargeAt.Add(sub.Interval)
		if saveErr := s.store.SaveSubscription(ctx, sub); saveErr != nil {
			return charged, saveErr
		}
		if !billed && err == nil {
			charged++
		}
	}
	return charged, nil
}

func (s *Service) cycleAlreadyBilled(ctx context.Context, ref string) (bool, error) {
	prior, err := s.store.GetTransactionByBookingRef(ctx, ref)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return false, nil
		}
		return false, err
	}
	// A failed prior charge may be retried; anything else settles the
	// cycle.
	return prior.Status != models.StatusFailed && prior.Status != models.StatusCancelled, nil
}
