package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProviderStats are rolling execution metrics for one provider
type ProviderStats struct {
	SuccessRate  float64 // 0..1, defaults to 1 with no history
	AvgLatencyMs float64
}

// Health supplies rolling provider success-rate and latency metrics to
// the routing engine and records attempt outcomes after execution.
type Health interface {
	Stats(ctx context.Context, provider string) (ProviderStats, error)
	Record(ctx context.Context, provider string, success bool, latency time.Duration) error
}

// RedisHealth keeps provider metrics in redis hashes so all engine
// instances score against the same rolling window.
type RedisHealth struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHealth creates a redis-backed health tracker. Keys expire
// after ttl so stale providers age out of scoring.
func NewRedisHealth(logger *zap.Logger, client *redis.Client, ttl time.Duration) *RedisHealth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHealth{logger: logger, client: client, ttl: ttl}
}

func healthKey(provider string) string {
	return fmt.Sprintf("orchestrator:provider_health:%s", provider)
}

// Record updates the provider's counters after an attempt.
func (h *RedisHealth) Record(ctx context.Context, provider string, success bool, latency time.Duration) error {
	key := healthKey(provider)
	pipe := h.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "attempts", 1)
	if success {
		pipe.HIncrBy(ctx, key, "successes", 1)
	}
	pipe.HIncrBy(ctx, key, "latency_ms_sum", latency.Milliseconds())
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record provider health: %w", err)
	}
	return nil
}

// Stats returns the provider's rolling metrics. A provider with no
// history scores a full success rate so new providers are routable.
func (h *RedisHealth) Stats(ctx context.Context, provider string) (ProviderStats, error) {
	vals, err := h.client.HGetAll(ctx, healthKey(provider)).Result()
	if err != nil {
		return ProviderStats{}, fmt.Errorf("failed to load provider health: %w", err)
	}
	return statsFromCounters(parseInt(vals["attempts"]), parseInt(vals["successes"]), parseInt(vals["latency_ms_sum"])), nil
}

func parseInt(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func statsFromCounters(attempts, successes, latencySum int64) ProviderStats {
	if attempts == 0 {
		return ProviderStats{SuccessRate: 1}
	}
	return ProviderStats{
		SuccessRate:  float64(successes) / float64(attempts),
		AvgLatencyMs: float64(latencySum) / float64(attempts),
	}
}

// MemoryHealth is an in-process health tracker used in tests and as a
// degraded-mode fallback when redis is unavailable.
type MemoryHealth struct {
	mu       sync.RWMutex
	counters map[string]*memCounters
}

type memCounters struct {
	attempts, successes, latencyMsSum int64
}

// NewMemoryHealth creates an in-memory health tracker.
func NewMemoryHealth() *MemoryHealth {
	return &MemoryHealth{counters: make(map[string]*memCounters)}
}

// Record updates the provider's in-memory counters.
func (h *MemoryHealth) Record(_ context.Context, provider string, success bool, latency time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.counters[provider]
	if !ok {
		c = &memCounters{}
		h.counters[provider] = c
	}
	c.attempts++
	if success {
		c.successes++
	}
	c.latencyMsSum += latency.Milliseconds()
	return nil
}

// Stats returns the provider's in-memory metrics.
func (h *MemoryHealth) Stats(_ context.Context, provider string) (ProviderStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.counters[provider]
	if !ok {
		return ProviderStats{SuccessRate: 1}, nil
	}
	return statsFromCounters(c.attempts, c.successes, c.latencyMsSum), nil
}
