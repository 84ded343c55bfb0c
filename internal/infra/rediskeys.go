package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных шлюза в Redis
	RedisNamespace = "gate"
)

// Ключи состояния
const (
	// RedisKeyRateLimitPrefix + agentID: hash {tokens, last} token bucket агента.
	RedisKeyRateLimitPrefix = RedisNamespace + ":ratelimit:"

	// RedisKeyBlockedAgents: set агентов, остановленных kill-switch'ем.
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanTokenRevoked: jti отозванного токена, чтобы соседние инстансы обновили L1 кэш.
	RedisChanTokenRevoked = RedisNamespace + ":tokens:revoked"

	// RedisChanKillSwitch: agentID для блокировки или "-agentID" для снятия.
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch"
)

// RateLimitKey Генератор ключа бакета агента
func RateLimitKey(agentID string) string {
	return RedisKeyRateLimitPrefix + agentID
}
