package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/strata/pkg/observability"
)

// RateLimiter enforces per-tenant operations-per-second ceilings. With a
// Redis client the count is a fixed window shared across orchestrator
// instances; without one, or when Redis is unreachable, a local token bucket
// decides alone. Availability wins over strictness on Redis failure.
type RateLimiter struct {
	client    *redis.Client
	keyPrefix string
	logger    *observability.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a rate limiter. client may be nil for local-only
// enforcement.
func NewRateLimiter(client *redis.Client, keyPrefix string, logger *observability.Logger) *RateLimiter {
	if keyPrefix == "" {
		keyPrefix = "strata:rate"
	}
	return &RateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
		buckets:   make(map[string]*bucket),
	}
}

// Allow reports whether one more operation fits under the tenant's
// ops-per-second limit.
func (r *RateLimiter) Allow(ctx context.Context, tenantID string, opsPerSecond int) bool {
	if opsPerSecond <= 0 {
		return false
	}
	if r.client != nil {
		if allowed, err := r.allowShared(ctx, tenantID, opsPerSecond); err == nil {
			return allowed
		} else {
			r.logger.WithTenant(tenantID).WithError(err).Warn("shared rate counter unavailable, using local bucket")
		}
	}
	return r.allowLocal(tenantID, opsPerSecond)
}

func (r *RateLimiter) allowShared(ctx context.Context, tenantID string, opsPerSecond int) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", r.keyPrefix, tenantID, time.Now().Unix())
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	// Expire lazily so abandoned windows clean themselves up.
	r.client.Expire(ctx, key, 2*time.Second)
	return count <= int64(opsPerSecond), nil
}

func (r *RateLimiter) allowLocal(tenantID string, opsPerSecond int) bool {
	now := time.Now()
	rate := float64(opsPerSecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[tenantID]
	if !ok {
		b = &bucket{tokens: rate, last: now}
		r.buckets[tenantID] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > rate {
		b.tokens = rate
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long until the current one-second window rolls
// over. Both the shared counter and the local bucket replenish on second
// boundaries, so that remainder is the earliest a denied op can succeed.
func (r *RateLimiter) RetryAfter() time.Duration {
	now := time.Now()
	remaining := now.Truncate(time.Second).Add(time.Second).Sub(now)
	if remaining <= 0 {
		remaining = time.Second
	}
	return remaining
}

// Reset clears the tenant's local bucket so a limit change takes effect
// immediately rather than draining the old allowance first.
func (r *RateLimiter) Reset(tenantID string) {
	r.mu.Lock()
	delete(r.buckets, tenantID)
	r.mu.Unlock()
}
