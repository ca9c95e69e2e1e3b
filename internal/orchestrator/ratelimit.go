package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Limiter grants send budget for a campaign. Reserve asks for up to n
// tokens and returns how many were granted (possibly zero). Grants are
// consumed immediately; there is no refund for unsent messages, so the
// dispatcher claims messages before reserving.
type Limiter interface {
	Reserve(ctx context.Context, campaignID string, rl domain.RateLimit, n int) (int, error)
}

// ---- In-process token bucket ----

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// BucketLimiter is a per-campaign token bucket held in process memory.
// Capacity bounds the burst; tokens refill continuously at
// RefillPerMinute. Used when no Redis client is configured.
type BucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewBucketLimiter creates an in-process limiter.
func NewBucketLimiter() *BucketLimiter {
	return &BucketLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *BucketLimiter) Reserve(ctx context.Context, campaignID string, rl domain.RateLimit, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[campaignID]
	if !ok {
		// New bucket starts full: a fresh campaign may burst to capacity
		b = &bucket{tokens: float64(rl.Capacity), lastRefill: now}
		l.buckets[campaignID] = b
	}

	refill := now.Sub(b.lastRefill).Minutes() * float64(rl.RefillPerMinute)
	b.tokens += refill
	if b.tokens > float64(rl.Capacity) {
		b.tokens = float64(rl.Capacity)
	}
	b.lastRefill = now

	granted := n
	if avail := int(b.tokens); avail < granted {
		granted = avail
	}
	b.tokens -= float64(granted)
	return granted, nil
}

// Forget drops a campaign's bucket (terminal campaigns).
func (l *BucketLimiter) Forget(campaignID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, campaignID)
}

// ---- Redis fixed-window limiter ----

// reserveLuaScript atomically grants up to the requested tokens within the
// current minute window. Check and increment happen in one script so
// concurrent engine processes never over-grant a shared budget.
const reserveLuaScript = `
local key = KEYS[1]
local requested = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
local remaining = limit - current
if remaining <= 0 then
    return 0
end

local granted = requested
if granted > remaining then
    granted = remaining
end

local newVal = redis.call("INCRBY", key, granted)
if newVal == granted then
    redis.call("EXPIRE", key, ttl)
end

return granted
`

// RedisLimiter enforces the per-minute budget across processes using a
// fixed one-minute window in Redis. Capacity above RefillPerMinute only
// matters for in-process bursts, so the shared window uses the refill
// rate as its limit.
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		script: redis.NewScript(reserveLuaScript),
		now:    time.Now,
	}
}

func (l *RedisLimiter) Reserve(ctx context.Context, campaignID string, rl domain.RateLimit, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	window := l.now().Unix() / 60
	key := fmt.Sprintf("ratelimit:campaign:%s:%d", campaignID, window)

	result, err := l.script.Run(ctx, l.redis, []string{key},
		n, rl.RefillPerMinute, 120).Int()
	if err != nil {
		return 0, fmt.Errorf("rate limit reserve: %w", err)
	}
	return result, nil
}
