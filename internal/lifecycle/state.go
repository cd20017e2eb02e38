package lifecycle

import (
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// transitions is the transaction state machine. Status moves are
// monotonic: a terminal branch never reopens, and disputes resolve as
// new compensating transactions rather than transitions of the
// original record.
var transitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusPending:    {models.StatusProcessing, models.StatusCancelled, models.StatusFailed},
	models.StatusProcessing: {models.StatusCompleted, models.StatusHeld, models.StatusFailed},
	models.StatusHeld:       {models.StatusReleased, models.StatusDisputed},
	models.StatusCompleted:  {models.StatusDisputed},
	models.StatusFailed:     {models.StatusDisputed},
	models.StatusReleased:   {},
	models.StatusCancelled:  {},
	models.StatusDisputed:   {},
}

// ValidateTransition returns nil if from→to is a legal status move.
func ValidateTransition(from, to models.TransactionStatus) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return errors.Newf(errors.KindConflict, "illegal status transition %s -> %s", from, to)
}
