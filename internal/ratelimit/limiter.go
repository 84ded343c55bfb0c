package ratelimit

/*
Файл limiter.go — in-process Rate Limiter (token bucket на агента).

- Емкость задается в запросах в минуту, пополнение непрерывное: capacity/60 токенов в секунду.
  Пополнение ленивое, считается при каждом обращении, фоновых таймеров нет.
- Новый агент получает полный бакет.
- Смена емкости применяется на месте: накопленные токены не сбрасываются.
- Каждый бакет сериализуется собственным мьютексом, бакеты лежат в sync.Map.
  Запросы разных агентов между собой не конкурируют.
- Никакого I/O: это самый чувствительный к задержкам участок пути запроса.
*/

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision: результат попытки пропустить запрос.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time // момент, когда бакет снова будет полным
	RetryAfter int       // секунды до появления токена, 0 если пропущен
}

// Status: снимок бакета без списания токена.
type Status struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type bucket struct {
	mu       sync.Mutex
	capacity int
	lim      *rate.Limiter
}

type Limiter struct {
	buckets         sync.Map // agentID -> *bucket
	defaultCapacity int
	now             func() time.Time
}

func NewLimiter(defaultCapacity int) *Limiter {
	if defaultCapacity <= 0 {
		defaultCapacity = 60
	}
	return &Limiter{defaultCapacity: defaultCapacity, now: time.Now}
}

// WithClock подменяет часы (тесты).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func perSecond(capacity int) rate.Limit {
	return rate.Limit(float64(capacity) / 60.0)
}

func (l *Limiter) capacityOrDefault(capacity int) int {
	if capacity <= 0 {
		return l.defaultCapacity
	}
	return capacity
}

// bucketFor возвращает бакет агента, создавая полный при первом обращении.
func (l *Limiter) bucketFor(agentID string, capacity int) *bucket {
	if b, ok := l.buckets.Load(agentID); ok {
		return b.(*bucket)
	}
	fresh := &bucket{capacity: capacity, lim: rate.NewLimiter(perSecond(capacity), capacity)}
	b, _ := l.buckets.LoadOrStore(agentID, fresh)
	return b.(*bucket)
}

// TryAcquire списывает один токен. capacity <= 0: емкость по умолчанию.
func (l *Limiter) TryAcquire(agentID string, capacity int) bool {
	return l.Acquire(context.Background(), agentID, capacity).Allowed
}

// Acquire: TryAcquire с полной информацией для заголовков ответа.
func (l *Limiter) Acquire(_ context.Context, agentID string, capacity int) Decision {
	capacity = l.capacityOrDefault(capacity)
	now := l.now()
	b := l.bucketFor(agentID, capacity)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Емкость агента поменялась: обновляем скорость и размер, токены сохраняем
	if b.capacity != capacity {
		b.lim.SetLimitAt(now, perSecond(capacity))
		b.lim.SetBurstAt(now, capacity)
		b.capacity = capacity
	}

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)

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

// RetryAfterSeconds сообщает, сколько ждать до ближайшего токена. 0, если токен есть или агент не встречался.
func (l *Limiter) RetryAfterSeconds(agentID string) int {
	v, ok := l.buckets.Load(agentID)
	if !ok {
		return 0
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return retryAfter(b.lim.TokensAt(l.now()), b.capacity)
}

// Status возвращает состояние бакета. Неизвестный агент: полный бакет по умолчанию.
func (l *Limiter) Status(agentID string) Status {
	now := l.now()
	v, ok := l.buckets.Load(agentID)
	if !ok {
		return Status{Limit: l.defaultCapacity, Remaining: l.defaultCapacity, ResetAt: now}
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := b.lim.TokensAt(now)
	return Status{Limit: b.capacity, Remaining: remaining(tokens), ResetAt: resetAt(now, tokens, b.capacity)}
}

func (l *Limiter) Snapshot(_ context.Context, agentID string) Status {
	return l.Status(agentID)
}

// Reset очищает все бакеты.
func (l *Limiter) Reset() {
	l.buckets.Range(func(key, _ interface{}) bool {
		l.buckets.Delete(key)
		return true
	})
}

func remaining(tokens float64) int {
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// retryAfter округляет вверх и никогда не отдает 0 при дефиците.
func retryAfter(tokens float64, capacity int) int {
	if tokens >= 1 {
		return 0
	}
	perMs := float64(capacity) / 60000.0
	ms := (1 - tokens) / perMs
	secs := int(math.Ceil(ms / 1000))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func resetAt(now time.Time, tokens float64, capacity int) time.Time {
	missing := float64(capacity) - tokens
	if missing <= 0 {
		return now
	}
	perMs := float64(capacity) / 60000.0
	return now.Add(time.Duration(math.Ceil(missing/perMs)) * time.Millisecond)
}
