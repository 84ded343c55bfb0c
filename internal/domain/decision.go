package domain

// ValidateRequest описывает запрос агента на действие: что хочет сделать и почему.
type ValidateRequest struct {
	Tool      string  `json:"tool"`
	Scope     string  `json:"scope"`
	Payload   Payload `json:"-"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// EvaluationResult: вердикт движка правил.
type EvaluationResult struct {
	Allowed  bool                   `json:"allowed"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Для аудита: какой уровень reasoning применялся и было ли объяснение
	RequireReasoning  ReasoningLevel `json:"-"`
	ReasoningProvided bool           `json:"-"`
	Flagged           bool           `json:"-"`
}

func Allow() EvaluationResult {
	return EvaluationResult{Allowed: true}
}

func Deny(reason string, metadata map[string]interface{}) EvaluationResult {
	return EvaluationResult{Allowed: false, Reason: reason, Metadata: metadata}
}

// Decision: то, что шлюз возвращает агенту.
type Decision struct {
	Allowed  bool                   `json:"allowed"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Причины отказа, видимые агенту.
const (
	ReasonNoRule             = "no rule defined for this tool/scope"
	ReasonReasoningRequired  = "reasoning required"
	ReasonRateLimited        = "rate limit exceeded"
	ReasonServiceUnavailable = "service unavailable"
	ReasonInvalidCondition   = "invalid condition value"
)
