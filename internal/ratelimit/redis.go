package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

// tokenBucketScript: та же арифметика, что и у in-process бакета, но атомарно внутри Redis.
// Дробные значения возвращаются строками: Redis обрезает числа Lua до целых.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'last', 'capacity')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
local prev = tonumber(state[3])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
if prev == nil or prev <= 0 then
  prev = capacity
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
-- 1. накопление до текущего момента идет по прежней емкости
tokens = math.min(prev, tokens + elapsed * prev / 60000)
-- 2. новая емкость только срезает избыток
tokens = math.min(capacity, tokens)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last', tostring(now), 'capacity', tostring(capacity))
redis.call('PEXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisLimiter делит бакеты между репликами шлюза. При ошибке Redis
// решение принимает локальный Limiter: для троттлинга доступность важнее строгости.
type RedisLimiter struct {
	rdb             *redis.Client
	fallback        *Limiter
	defaultCapacity int
	ttl             time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

func NewRedisLimiter(rdb *redis.Client, defaultCapacity int, ttl time.Duration, logger *zap.Logger) *RedisLimiter {
	if defaultCapacity <= 0 {
		defaultCapacity = 60
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLimiter{
		rdb:             rdb,
		fallback:        NewLimiter(defaultCapacity),
		defaultCapacity: defaultCapacity,
		ttl:             ttl,
		now:             time.Now,
		logger:          logger.With(zap.String("mod", "ratelimit-redis")),
	}
}

func (r *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	r.now = now
	r.fallback.WithClock(now)
	return r
}

func (r *RedisLimiter) Acquire(ctx context.Context, agentID string, capacity int) Decision {
	if capacity <= 0 {
		capacity = r.defaultCapacity
	}
	now := r.now()

	res, err := tokenBucketScript.Run(ctx, r.rdb,
		[]string{infra.RateLimitKey(agentID)},
		capacity, now.UnixMilli(), r.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		r.logger.Warn("redis rate limit failed, using local bucket", zap.String("agent_id", agentID), zap.Error(err))
		return r.fallback.Acquire(ctx, agentID, capacity)
	}

	allowed, tokens, err := parseScriptResult(res)
	if err != nil {
		r.logger.Error("unexpected rate limit script reply", zap.Error(err))
		return r.fallback.Acquire(ctx, agentID, capacity)
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: remaining(tokens),
		ResetAt:   resetAt(now, tokens, capacity),
	}
	if !allowed {
		d.RetryAfter = retryAfter(tokens, capacity)
	}
	return d
}

// Snapshot читает бакет без списания токена.
func (r *RedisLimiter) Snapshot(ctx context.Context, agentID string) Status {
	now := r.now()
	vals, err := r.rdb.HMGet(ctx, infra.RateLimitKey(agentID), "tokens", "last", "capacity").Result()
	if err != nil {
		r.logger.Warn("redis rate limit status failed, using local bucket", zap.String("agent_id", agentID), zap.Error(err))
		return r.fallback.Status(agentID)
	}

	tokens, okT := parseFloat(vals[0])
	last, okL := parseFloat(vals[1])
	capF, okC := parseFloat(vals[2])
	if !okT || !okL || !okC || capF <= 0 {
		return Status{Limit: r.defaultCapacity, Remaining: r.defaultCapacity, ResetAt: now}
	}

	capacity := int(capF)
	elapsed := math.Max(0, float64(now.UnixMilli())-last)
	tokens = math.Min(capF, tokens+elapsed*capF/60000.0)
	return Status{Limit: capacity, Remaining: remaining(tokens), ResetAt: resetAt(now, tokens, capacity)}
}

func parseScriptResult(res []interface{}) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("expected 2 values, got %d", len(res))
	}
	flag, ok := res[0].(int64)
	if !ok {
		return false, 0, errors.New("allowed flag is not an integer")
	}
	tokens, ok := parseFloat(res[1])
	if !ok {
		return false, 0, errors.New("tokens is not a number")
	}
	return flag == 1, tokens, nil
}

func parseFloat(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
