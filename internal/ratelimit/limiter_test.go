package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock: управляемые часы для бакетов.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		refill   time.Duration
	}{
		{name: "default 60/min", capacity: 60, refill: time.Second},
		{name: "120/min", capacity: 120, refill: 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			l := NewLimiter(60).WithClock(clock.Now)

			for i := 0; i < tt.capacity; i++ {
				require.True(t, l.TryAcquire("agent-1", tt.capacity), "request %d", i+1)
			}
			assert.False(t, l.TryAcquire("agent-1", tt.capacity))
			assert.GreaterOrEqual(t, l.RetryAfterSeconds("agent-1"), 1)

			clock.Advance(tt.refill)
			assert.True(t, l.TryAcquire("agent-1", tt.capacity))
			assert.False(t, l.TryAcquire("agent-1", tt.capacity))
		})
	}
}

func TestLimiter_DefaultCapacity(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	admitted := 0
	for i := 0; i < 100; i++ {
		if l.TryAcquire("agent-1", 0) {
			admitted++
		}
	}
	assert.Equal(t, 60, admitted)
}

func TestLimiter_RejectDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	for i := 0; i < 60; i++ {
		require.True(t, l.TryAcquire("a", 60))
	}
	// Отклоненные попытки не уводят бакет в минус
	for i := 0; i < 10; i++ {
		assert.False(t, l.TryAcquire("a", 60))
	}
	clock.Advance(time.Second)
	assert.True(t, l.TryAcquire("a", 60))
}

func TestLimiter_CapacityChangeKeepsEarnedTokens(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	for i := 0; i < 60; i++ {
		require.True(t, l.TryAcquire("agent-1", 60))
	}

	// Через 500мс накоплено 0.5 токена, емкость снижаем до 30/мин
	clock.Advance(500 * time.Millisecond)
	assert.False(t, l.TryAcquire("agent-1", 30))

	// 0.5 + 1с * 0.5/с = 1 токен
	clock.Advance(time.Second)
	assert.True(t, l.TryAcquire("agent-1", 30))

	st := l.Status("agent-1")
	assert.Equal(t, 30, st.Limit)
	assert.Equal(t, 0, st.Remaining)
}

func TestLimiter_Status(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	st := l.Status("unknown")
	assert.Equal(t, 60, st.Limit)
	assert.Equal(t, 60, st.Remaining)
	assert.Equal(t, 0, l.RetryAfterSeconds("unknown"))

	for i := 0; i < 10; i++ {
		l.TryAcquire("agent-1", 60)
	}
	st = l.Status("agent-1")
	assert.Equal(t, 50, st.Remaining)
	assert.Equal(t, clock.Now().Add(10*time.Second), st.ResetAt)

	// Status не списывает токены
	assert.Equal(t, 50, l.Status("agent-1").Remaining)
}

func TestLimiter_Decision(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	for i := 0; i < 60; i++ {
		l.TryAcquire("agent-1", 60)
	}
	clock.Advance(250 * time.Millisecond)

	d := l.Acquire(context.Background(), "agent-1", 60)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
	assert.Equal(t, 0, d.Remaining)
	// Дефицит 0.75 токена при 1 токене/с: округляем вверх до 1 секунды
	assert.Equal(t, 1, d.RetryAfter)
}

func TestLimiter_RetryAfterSlowBucket(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	// 6 запросов в минуту: один токен каждые 10 секунд
	for i := 0; i < 6; i++ {
		require.True(t, l.TryAcquire("slow", 6))
	}
	assert.False(t, l.TryAcquire("slow", 6))
	assert.Equal(t, 10, l.RetryAfterSeconds("slow"))

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6, l.RetryAfterSeconds("slow"))
}

func TestLimiter_AgentsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire("noisy", 5))
	}
	assert.False(t, l.TryAcquire("noisy", 5))
	assert.True(t, l.TryAcquire("quiet", 5))
}

func TestLimiter_ConcurrentSameAgent(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire("agent-1", 50) {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted)
}

func TestLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		l.TryAcquire("agent-1", 3)
	}
	require.False(t, l.TryAcquire("agent-1", 3))

	l.Reset()
	assert.True(t, l.TryAcquire("agent-1", 3))
}
