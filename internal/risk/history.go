package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FlaggedCounter counts a customer's recently flagged transactions.
// The datastore repository satisfies this.
type FlaggedCounter interface {
	CountCustomerFlagged(ctx context.Context, customerID uuid.UUID, since time.Time) (int64, error)
}

// StoreHistory derives the suspicious-activity signal from the
// customer's own transaction history: any disputed or risk-failed
// transaction inside the lookback window counts.
type StoreHistory struct {
	counter FlaggedCounter
	window  time.Duration
}

// NewStoreHistory creates a history provider with the given lookback.
func NewStoreHistory(counter FlaggedCounter, window time.Duration) *StoreHistory {
	if window <= 0 {
		window = 90 * 24 * time.Hour
	}
	return &StoreHistory{counter: counter, window: window}
}

// HasSuspiciousActivity reports whether the customer has flagged
// transactions inside the lookback window.
func (h *StoreHistory) HasSuspiciousActivity(ctx context.Context, customerID uuid.UUID) (bool, error) {
	n, err := h.counter.CountCustomerFlagged(ctx, customerID, time.Now().UTC().Add(-h.window))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
