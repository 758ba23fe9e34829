// Package ratelimit implements publish-admission backpressure: a
// per-org token bucket gating publish rate, and a Redis-backed
// in-flight lease counter gating per-org concurrency across
// processes. The token bucket is per-process and approximate under
// multiple publishers; the in-flight counter is exact across
// processes since it lives in Redis rather than local memory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/metrics"
)

// Limiter gates publish admission per org: a local token bucket for
// rate, plus an optional Redis-backed in-flight counter for
// concurrency. A zero OrgRatePerSecond/OrgMaxInFlight means
// unlimited on that axis, matching the config defaults.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	ratePerSecond float64
	burst         int
	maxInFlight   int
	leaseTTL      time.Duration

	redis *redis.Client
}

// New returns a Limiter backed by the given config. redisClient may
// be nil, in which case in-flight admission always succeeds (the
// concurrency cap is not enforced without Redis).
func New(cfg config.RateLimitConfig, redisClient *redis.Client) *Limiter {
	return &Limiter{
		limiters:      make(map[string]*rate.Limiter),
		ratePerSecond: cfg.OrgRatePerSecond,
		burst:         cfg.OrgBurst,
		maxInFlight:   cfg.OrgMaxInFlight,
		leaseTTL:      cfg.LeaseTTL,
		redis:         redisClient,
	}
}

// getLimiter returns the token bucket for orgID, creating one on
// first use.
func (l *Limiter) getLimiter(orgID string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[orgID]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok = l.limiters[orgID]; ok {
		return lim
	}

	lim = rate.NewLimiter(rate.Limit(l.ratePerSecond), l.burst)
	l.limiters[orgID] = lim
	return lim
}

// AllowPublish reports whether orgID may publish a message now. A
// rate of 0 means unlimited and always allows. On denial the caller
// should surface a RATE_LIMITED outcome; this also records the
// agentqueue_rate_limited_total metric.
func (l *Limiter) AllowPublish(orgID string) bool {
	if l.ratePerSecond <= 0 {
		return true
	}

	if l.getLimiter(orgID).Allow() {
		return true
	}

	metrics.RecordRateLimited(orgID)
	return false
}

// leaseKey is the Redis key holding orgID's current in-flight count.
func leaseKey(orgID string) string {
	return fmt.Sprintf("inflight:%s", orgID)
}

// AcquireInFlight attempts to reserve one of orgID's in-flight slots.
// It returns true if a slot was reserved; the caller must call
// ReleaseInFlight exactly once for every successful acquisition. With
// no Redis client configured, or a configured cap of 0 (unlimited),
// acquisition always succeeds and ReleaseInFlight is a no-op.
func (l *Limiter) AcquireInFlight(ctx context.Context, orgID string) (bool, error) {
	if l.redis == nil || l.maxInFlight <= 0 {
		return true, nil
	}

	key := leaseKey(orgID)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to incr in-flight lease: %w", err)
	}
	if count == 1 {
		// First holder of this key sets its TTL so a crashed consumer's
		// lease self-expires rather than wedging the org's admission
		// window shut forever.
		if err := l.redis.Expire(ctx, key, l.leaseTTL).Err(); err != nil {
			return false, fmt.Errorf("failed to set in-flight lease ttl: %w", err)
		}
	}

	if count > int64(l.maxInFlight) {
		l.releaseInFlight(ctx, orgID)
		return false, nil
	}

	metrics.InFlightGauge.WithLabelValues(orgID).Set(float64(count))
	return true, nil
}

// ReleaseInFlight releases one of orgID's in-flight slots previously
// reserved by a successful AcquireInFlight.
func (l *Limiter) ReleaseInFlight(ctx context.Context, orgID string) error {
	if l.redis == nil || l.maxInFlight <= 0 {
		return nil
	}
	return l.releaseInFlight(ctx, orgID)
}

func (l *Limiter) releaseInFlight(ctx context.Context, orgID string) error {
	key := leaseKey(orgID)
	count, err := l.redis.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to decr in-flight lease: %w", err)
	}
	if count < 0 {
		// Guards against double-release or TTL expiry racing a release;
		// clamp back to zero rather than drift negative forever.
		_ = l.redis.Set(ctx, key, 0, l.leaseTTL).Err()
		count = 0
	}
	metrics.InFlightGauge.WithLabelValues(orgID).Set(float64(count))
	return nil
}
