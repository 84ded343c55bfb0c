package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

func newRedisLimiter(t *testing.T, clock *fakeClock) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLimiter(rdb, 60, time.Minute, zap.NewNop()).WithClock(clock.Now), mr
}

func TestRedisLimiter_BurstThenRefill(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newRedisLimiter(t, clock)

	for i := 0; i < 60; i++ {
		require.True(t, l.Acquire(ctx, "agent-1", 60).Allowed, "request %d", i+1)
	}
	d := l.Acquire(ctx, "agent-1", 60)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(time.Second)
	assert.True(t, l.Acquire(ctx, "agent-1", 60).Allowed)
	assert.False(t, l.Acquire(ctx, "agent-1", 60).Allowed)
}

func TestRedisLimiter_SharedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, mr := newRedisLimiter(t, clock)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedisLimiter(rdb, 60, time.Minute, zap.NewNop()).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		require.True(t, a.Acquire(ctx, "agent-1", 5).Allowed)
	}
	require.True(t, b.Acquire(ctx, "agent-1", 5).Allowed)
	require.True(t, b.Acquire(ctx, "agent-1", 5).Allowed)
	assert.False(t, a.Acquire(ctx, "agent-1", 5).Allowed)

	st := b.Snapshot(ctx, "agent-1")
	assert.Equal(t, 5, st.Limit)
	assert.Equal(t, 0, st.Remaining)
}

func TestRedisLimiter_CapacityChangeKeepsEarnedTokens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, clock)

	for i := 0; i < 60; i++ {
		require.True(t, l.Acquire(ctx, "agent-1", 60).Allowed)
	}

	// Через 500мс накоплено 0.5 токена по старой емкости, снижаем до 30/мин
	clock.Advance(500 * time.Millisecond)
	assert.False(t, l.Acquire(ctx, "agent-1", 30).Allowed)
	assert.Equal(t, "30", mr.HGet(infra.RateLimitKey("agent-1"), "capacity"))

	// 0.5 + 1с * 0.5/с = 1 токен
	clock.Advance(time.Second)
	assert.True(t, l.Acquire(ctx, "agent-1", 30).Allowed)

	st := l.Snapshot(ctx, "agent-1")
	assert.Equal(t, 30, st.Limit)
	assert.Equal(t, 0, st.Remaining)
}

func TestRedisLimiter_CapacityDecreaseClampsTokens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newRedisLimiter(t, clock)

	for i := 0; i < 20; i++ {
		require.True(t, l.Acquire(ctx, "agent-2", 60).Allowed)
	}

	d := l.Acquire(ctx, "agent-2", 30)
	assert.True(t, d.Allowed)
	assert.Equal(t, 30, d.Limit)
	assert.Equal(t, 29, d.Remaining)
}

func TestRedisLimiter_KeyHasTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, clock)

	l.Acquire(ctx, "agent-1", 60)

	key := infra.RateLimitKey("agent-1")
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))
	assert.Equal(t, "59", mr.HGet(key, "tokens"))
}

func TestRedisLimiter_SnapshotUnknownAgent(t *testing.T) {
	clock := newFakeClock()
	l, _ := newRedisLimiter(t, clock)

	st := l.Snapshot(context.Background(), "nobody")
	assert.Equal(t, 60, st.Limit)
	assert.Equal(t, 60, st.Remaining)
}

func TestRedisLimiter_FallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, clock)

	mr.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Acquire(ctx, "agent-1", 3).Allowed)
	}
	assert.False(t, l.Acquire(ctx, "agent-1", 3).Allowed)
	assert.Equal(t, 0, l.Snapshot(ctx, "agent-1").Remaining)
}
