package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// ReasoningLevel: насколько строго правило требует объяснение от агента.
type ReasoningLevel string

const (
	ReasoningNone ReasoningLevel = "none" // Без требований
	ReasoningSoft ReasoningLevel = "soft" // Требуем, но при отсутствии только помечаем в аудите
	ReasoningHard ReasoningLevel = "hard" // Без объяснения запрос отклоняется
)

// Rank упорядочивает уровни: none < soft < hard. Неизвестное значение считаем none.
func (l ReasoningLevel) Rank() int {
	switch l {
	case ReasoningSoft:
		return 1
	case ReasoningHard:
		return 2
	default:
		return 0
	}
}

// Normalize приводит пустое или неизвестное значение к none.
func (l ReasoningLevel) Normalize() ReasoningLevel {
	switch l {
	case ReasoningSoft, ReasoningHard:
		return l
	default:
		return ReasoningNone
	}
}

// ConditionKind: закрытый набор известных условий.
type ConditionKind string

const (
	ConditionMaxDuration       ConditionKind = "max_duration"        // минуты
	ConditionMaxAttendees      ConditionKind = "max_attendees"       // количество участников
	ConditionBusinessHoursOnly ConditionKind = "business_hours_only" // Пн-Пт, 09:00-17:00 UTC
)

// Conditions хранит условия правила как есть: ключ -> JSON-значение.
// Значения интерпретируются движком, неизвестные ключи не ломают загрузку.
type Conditions map[string]json.RawMessage

// Keys возвращает ключи в детерминированном порядке.
func (c Conditions) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rule связывает агента с парой (tool, scope). Все правила тройки должны пройти (AND).
type Rule struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	Tool             string         `json:"tool"`  // e.g. "calendar"
	Scope            string         `json:"scope"` // e.g. "write:events"
	RequireReasoning ReasoningLevel `json:"require_reasoning"`

	// Ограничения: {"max_duration": 60, "max_attendees": 10, "business_hours_only": true}
	Conditions Conditions `json:"conditions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
