package credential

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

// RevocationCache: L1 (RAM) кэш отозванных jti поверх авторитетного хранилища.
// Кэшируются только положительные ответы: отзыв необратим, поэтому попадание в кэш окончательно.
// Промах всегда идет в хранилище. Соседние инстансы узнают об отзыве через Redis Pub/Sub.
//
// Запись живет retention с момента попадания в кэш. Отзыв случается после выпуска токена,
// поэтому при retention не меньше самого длинного TTL токена вытесняются только jti уже истекших токенов.
type RevocationCache struct {
	mu        sync.RWMutex
	revoked   map[string]time.Time // jti -> момент вытеснения
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time

	store  RevocationStore
	rdb    *redis.Client // nil: работаем без сигналов (один инстанс)
	logger *zap.Logger
}

// DefaultRevocationRetention совпадает с TTL refresh-токена по умолчанию.
const DefaultRevocationRetention = 7 * 24 * time.Hour

// sweepEvery: как часто MarkRevoked чистит кэш от вытесненных записей
const sweepEvery = time.Minute

func NewRevocationCache(store RevocationStore, rdb *redis.Client, logger *zap.Logger) *RevocationCache {
	return &RevocationCache{
		revoked:   make(map[string]time.Time),
		retention: DefaultRevocationRetention,
		now:       time.Now,
		store:     store,
		rdb:       rdb,
		logger:    logger.With(zap.String("mod", "revocation")),
	}
}

// WithRetention задает срок жизни записи. Должен быть не меньше максимального TTL токена.
func (c *RevocationCache) WithRetention(d time.Duration) *RevocationCache {
	if d > 0 {
		c.retention = d
	}
	return c
}

func (c *RevocationCache) WithClock(now func() time.Time) *RevocationCache {
	c.now = now
	return c
}

func (c *RevocationCache) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if c.has(jti) {
		return true, nil
	}

	revoked, err := c.store.IsTokenRevoked(ctx, jti)
	if err != nil {
		return false, err
	}
	if revoked {
		c.MarkRevoked(jti)
	}
	return revoked, nil
}

func (c *RevocationCache) RecordRevokedToken(ctx context.Context, jti string) error {
	// 1. Persistence Layer: источник правды
	if err := c.store.RecordRevokedToken(ctx, jti); err != nil {
		return err
	}
	c.MarkRevoked(jti)

	// 2. Real-time Signaling: ошибка сигнала не отменяет отзыв, соседи увидят его через хранилище
	if c.rdb != nil {
		if err := c.rdb.Publish(ctx, infra.RedisChanTokenRevoked, jti).Err(); err != nil {
			c.logger.Warn("revocation signal delivery failed", zap.String("jti", jti), zap.Error(err))
		}
	}
	return nil
}

// MarkRevoked: внутренний метод для обновления мапы
func (c *RevocationCache) MarkRevoked(jti string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[jti] = now.Add(c.retention)

	if now.Sub(c.lastSweep) >= sweepEvery {
		c.sweepLocked(now)
	}
}

// sweepLocked удаляет вытесненные записи. Вызывается под c.mu.
func (c *RevocationCache) sweepLocked(now time.Time) {
	c.lastSweep = now
	for jti, evictAt := range c.revoked {
		if !now.Before(evictAt) {
			delete(c.revoked, jti)
		}
	}
}

// has: вытесненная, но еще не удаленная запись считается промахом и уходит в хранилище.
func (c *RevocationCache) has(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	evictAt, ok := c.revoked[jti]
	return ok && c.now().Before(evictAt)
}

func (c *RevocationCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.revoked)
}

// StartListener подписывается на сигналы отзыва от соседних инстансов. Блокирует до отмены ctx.
func (c *RevocationCache) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, c.rdb, c.logger, infra.RedisChanTokenRevoked, nil, c.MarkRevoked)
}
