package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func TestBucketLimiterBurstThenRefill(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l := NewBucketLimiter()
	l.now = func() time.Time { return now }
	rl := domain.RateLimit{Capacity: 5, RefillPerMinute: 2}

	// Fresh bucket allows a full burst
	granted, err := l.Reserve(ctx, "c1", rl, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)

	// Only 2 tokens left: partial grant
	granted, err = l.Reserve(ctx, "c1", rl, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	// Empty bucket grants nothing
	granted, err = l.Reserve(ctx, "c1", rl, 1)
	require.NoError(t, err)
	assert.Zero(t, granted)

	// 90 seconds later, 3 tokens have refilled
	now = now.Add(90 * time.Second)
	granted, err = l.Reserve(ctx, "c1", rl, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)
}

func TestBucketLimiterCapsAtCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l := NewBucketLimiter()
	l.now = func() time.Time { return now }
	rl := domain.RateLimit{Capacity: 4, RefillPerMinute: 60}

	granted, err := l.Reserve(ctx, "c1", rl, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, granted)

	// An hour of refill still tops out at capacity
	now = now.Add(time.Hour)
	granted, err = l.Reserve(ctx, "c1", rl, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, granted)
}

func TestBucketLimiterIsolatesCampaigns(t *testing.T) {
	ctx := context.Background()
	l := NewBucketLimiter()
	rl := domain.RateLimit{Capacity: 2, RefillPerMinute: 2}

	granted, err := l.Reserve(ctx, "c1", rl, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	// Draining c1 leaves c2's budget untouched
	granted, err = l.Reserve(ctx, "c2", rl, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)
}

func TestBucketLimiterForget(t *testing.T) {
	ctx := context.Background()
	l := NewBucketLimiter()
	rl := domain.RateLimit{Capacity: 1, RefillPerMinute: 1}

	_, err := l.Reserve(ctx, "c1", rl, 1)
	require.NoError(t, err)
	l.Forget("c1")

	// Forgotten campaign starts over with a full bucket
	granted, err := l.Reserve(ctx, "c1", rl, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
}

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client), mr
}

func TestRedisLimiterPartialGrant(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)
	rl := domain.RateLimit{Capacity: 10, RefillPerMinute: 3}

	granted, err := l.Reserve(ctx, "c1", rl, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	// Window budget is 3/min: only 1 left
	granted, err = l.Reserve(ctx, "c1", rl, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)

	granted, err = l.Reserve(ctx, "c1", rl, 1)
	require.NoError(t, err)
	assert.Zero(t, granted)
}

func TestRedisLimiterWindowResets(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)
	rl := domain.RateLimit{Capacity: 10, RefillPerMinute: 2}

	base := time.Date(2026, 3, 2, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	granted, err := l.Reserve(ctx, "c1", rl, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	granted, err = l.Reserve(ctx, "c1", rl, 1)
	require.NoError(t, err)
	assert.Zero(t, granted)

	// Next minute window has a fresh budget
	base = base.Add(time.Minute)
	granted, err = l.Reserve(ctx, "c1", rl, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	l1, mr := newRedisLimiter(t)

	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client2.Close() })
	l2 := NewRedisLimiter(client2)

	fixed := time.Date(2026, 3, 2, 12, 0, 30, 0, time.UTC)
	l1.now = func() time.Time { return fixed }
	l2.now = func() time.Time { return fixed }

	rl := domain.RateLimit{Capacity: 10, RefillPerMinute: 4}

	// Two engine processes draw from the same window budget
	granted, err := l1.Reserve(ctx, "c1", rl, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)

	granted, err = l2.Reserve(ctx, "c1", rl, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
}

func TestRedisLimiterKeyExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLimiter(t)
	rl := domain.RateLimit{Capacity: 10, RefillPerMinute: 5}

	fixed := time.Date(2026, 3, 2, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	_, err := l.Reserve(ctx, "c1", rl, 2)
	require.NoError(t, err)

	// The window key carries a TTL so stale windows clean themselves up
	key := "ratelimit:campaign:c1:" + toWindow(fixed)
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func toWindow(t time.Time) string {
	return fmt.Sprintf("%d", t.Unix()/60)
}
