package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

// unblockPrefix в сообщении канала означает снятие блокировки.
const unblockPrefix = "-"

// KillSwitch: экстренная остановка агента без правки записи в хранилище.
// Заблокированный агент проходит проверку как выключенный (ErrAgentDisabled).
// Источник правды: set в Redis, L1 мапа обновляется через Pub/Sub.
type KillSwitch struct {
	mu            sync.RWMutex
	blockedAgents map[string]struct{}

	rdb    *redis.Client // nil: только локальное состояние
	logger *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blockedAgents: make(map[string]struct{}),
		rdb:           rdb,
		logger:        logger.With(zap.String("mod", "kill-switch")),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	agents, err := k.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return fmt.Errorf("kill-switch: load blocked set: %w", err)
	}

	blocked := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		blocked[id] = struct{}{}
	}

	k.mu.Lock()
	k.blockedAgents = blocked
	k.mu.Unlock()

	if len(agents) > 0 {
		k.logger.Info("blocked agents loaded", zap.Int("count", len(agents)))
	}
	return nil
}

func (k *KillSwitch) IsBlocked(agentID string) bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, blocked := k.blockedAgents[agentID]
	return blocked
}

// Block останавливает агента на всех инстансах.
func (k *KillSwitch) Block(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, true)
}

func (k *KillSwitch) Unblock(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, false)
}

func (k *KillSwitch) set(ctx context.Context, agentID string, blocked bool) error {
	// 1. Redis: источник правды
	if k.rdb != nil {
		var err error
		if blocked {
			err = k.rdb.SAdd(ctx, infra.RedisKeyBlockedAgents, agentID).Err()
		} else {
			err = k.rdb.SRem(ctx, infra.RedisKeyBlockedAgents, agentID).Err()
		}
		if err != nil {
			return fmt.Errorf("kill-switch: update blocked set: %w", err)
		}
	}

	// 2. Локально применяем сразу, не дожидаясь своего же сообщения
	k.apply(agentID, blocked)

	// 3. Сигнал соседям. Не критично: они подхватят set при переподключении
	if k.rdb != nil {
		msg := agentID
		if !blocked {
			msg = unblockPrefix + agentID
		}
		if err := k.rdb.Publish(ctx, infra.RedisChanKillSwitch, msg).Err(); err != nil {
			k.logger.Warn("failed to publish kill-switch signal", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// HandleSignal разбирает сообщение канала kill-switch.
func (k *KillSwitch) HandleSignal(payload string) {
	if id, ok := strings.CutPrefix(payload, unblockPrefix); ok {
		k.apply(id, false)
		k.logger.Info("agent unblocked", zap.String("agent_id", id))
		return
	}
	k.apply(payload, true)
	k.logger.Warn("received KILL signal", zap.String("agent_id", payload))
}

func (k *KillSwitch) apply(agentID string, blocked bool) {
	if agentID == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if blocked {
		k.blockedAgents[agentID] = struct{}{}
	} else {
		delete(k.blockedAgents, agentID)
	}
}

// StartListener подписывается на Redis и обновляет состояние. После каждого переподключения
// перечитывает set, чтобы не потерять сигналы, пришедшие во время обрыва.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, k.Init, k.HandleSignal)
}
