package audit

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// LogEntry: неизменяемая запись одного решения об авторизации.
type LogEntry struct {
	ID      string `json:"id"`       // UUID записи
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	AgentID string `json:"agent_id"` // Кто делал
	Tool    string `json:"tool"`     // Чем
	Scope   string `json:"scope"`    // Что хотел сделать

	// Результат
	Allowed    bool    `json:"allowed"`
	DenyReason *string `json:"deny_reason,omitempty"`

	// Контекст запроса и детали сработавшего условия
	RequestContext json.RawMessage `json:"request_context"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`

	// Reasoning
	Reasoning         *string               `json:"reasoning,omitempty"`
	RequireReasoning  domain.ReasoningLevel `json:"require_reasoning"`
	ReasoningProvided bool                  `json:"reasoning_provided"`

	Timestamp time.Time `json:"timestamp"`
}

// Flagged: soft-требование без объяснения, запрос пропущен, но помечен для комплаенса.
func (e LogEntry) Flagged() bool {
	return e.RequireReasoning == domain.ReasoningSoft && !e.ReasoningProvided
}

// NewEntry собирает запись из вердикта движка правил (или отказа лимитера).
func NewEntry(traceID, agentID string, req domain.ValidateRequest, res domain.EvaluationResult) LogEntry {
	e := LogEntry{
		TraceID:           traceID,
		AgentID:           agentID,
		Tool:              req.Tool,
		Scope:             req.Scope,
		Allowed:           res.Allowed,
		RequestContext:    req.Payload.Context(),
		RequireReasoning:  res.RequireReasoning.Normalize(),
		ReasoningProvided: res.ReasoningProvided,
	}
	if !res.Allowed && res.Reason != "" {
		reason := res.Reason
		e.DenyReason = &reason
	}
	if req.Reasoning != "" {
		reasoning := req.Reasoning
		e.Reasoning = &reasoning
	}
	if len(res.Metadata) > 0 {
		// Метаданные условий состоят из строк и чисел, ошибка маршалинга не ожидается
		if raw, err := json.Marshal(res.Metadata); err == nil {
			e.Metadata = raw
		}
	}
	return e
}
