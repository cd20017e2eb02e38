package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHealthStats(t *testing.T) {
	health := NewMemoryHealth()
	ctx := context.Background()

	t.Run("NoHistoryScoresFullRate", func(t *testing.T) {
		stats, err := health.Stats(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, 1.0, stats.SuccessRate)
		assert.Zero(t, stats.AvgLatencyMs)
	})

	t.Run("RollingCounters", func(t *testing.T) {
		require.NoError(t, health.Record(ctx, "stripe", true, 100*time.Millisecond))
		require.NoError(t, health.Record(ctx, "stripe", true, 200*time.Millisecond))
		require.NoError(t, health.Record(ctx, "stripe", false, 300*time.Millisecond))

		stats, err := health.Stats(ctx, "stripe")
		require.NoError(t, err)
		assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
		assert.InDelta(t, 200, stats.AvgLatencyMs, 1e-9)
	})
}
