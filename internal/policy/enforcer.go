package policy

/*
Файл enforcer.go реализует Permission Rule Engine.

- Default Deny (Zero Trust): нет правил для (agent, tool, scope) — нет доступа.
- AND-семантика: все правила тройки должны пройти. Первое нарушенное условие останавливает
  проверку всего запроса (fail-fast) и возвращает свою причину.
- Reasoning: hard без объяснения отклоняется до запуска любых условий (самая дешевая проверка),
  soft только помечается в аудите.
- Недоступность хранилища — ErrEngineUnavailable, вызывающий обязан трактовать как отказ.
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"go.uber.org/zap"
)

// RuleRepository: загрузка правил тройки в порядке хранения.
type RuleRepository interface {
	GetRules(ctx context.Context, agentID, tool, scope string) ([]domain.Rule, error)
}

// ToolCatalog: описательные метаданные инструментов (необязательно).
type ToolCatalog interface {
	GetTool(ctx context.Context, name string) (*domain.Tool, error)
}

type Enforcer interface {
	Evaluate(ctx context.Context, agent *domain.Agent, req domain.ValidateRequest) (domain.EvaluationResult, error)
}

type Engine struct {
	rules  RuleRepository
	tools  ToolCatalog // nil: проверка scope по каталогу отключена
	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(rules RuleRepository, tools ToolCatalog, logger *zap.Logger) *Engine {
	return &Engine{
		rules:  rules,
		tools:  tools,
		now:    time.Now,
		logger: logger.Named("rule-engine"),
	}
}

// WithClock подменяет часы для business_hours_only без start.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Evaluate(ctx context.Context, agent *domain.Agent, req domain.ValidateRequest) (domain.EvaluationResult, error) {
	provided := strings.TrimSpace(req.Reasoning) != ""

	// 1. Загрузка правил
	rules, err := e.rules.GetRules(ctx, agent.ID, req.Tool, req.Scope)
	if err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("%w: load rules: %v", domain.ErrEngineUnavailable, err)
	}

	// 2. Default Deny
	if len(rules) == 0 {
		res := domain.Deny(domain.ReasonNoRule, nil)
		res.ReasoningProvided = provided
		return res, nil
	}

	// 3. Каталог инструментов: правило не спасает scope, который инструмент больше не объявляет
	if e.tools != nil {
		tool, err := e.tools.GetTool(ctx, req.Tool)
		if err != nil {
			return domain.EvaluationResult{}, fmt.Errorf("%w: load tool %q: %v", domain.ErrEngineUnavailable, req.Tool, err)
		}
		if tool != nil && !tool.HasScope(req.Scope) {
			res := domain.Deny(fmt.Sprintf("scope %q is not declared by tool %q", req.Scope, req.Tool), nil)
			res.ReasoningProvided = provided
			return res, nil
		}
	}

	// 4. Reasoning: берем самый строгий уровень среди правил, hard проверяем до условий
	level := domain.ReasoningNone
	for _, r := range rules {
		if l := r.RequireReasoning.Normalize(); l.Rank() > level.Rank() {
			level = l
		}
	}
	if level == domain.ReasoningHard && !provided {
		res := domain.Deny(domain.ReasonReasoningRequired, map[string]interface{}{
			"require_reasoning": string(domain.ReasoningHard),
		})
		res.RequireReasoning = level
		return res, nil
	}

	// 5. Условия: AND по правилам, fail-fast
	for _, r := range rules {
		res, ok := e.evaluateRule(r, req.Payload)
		if !ok {
			res.RequireReasoning = level
			res.ReasoningProvided = provided
			return res, nil
		}
	}

	res := domain.Allow()
	res.RequireReasoning = level
	res.ReasoningProvided = provided
	res.Flagged = level == domain.ReasoningSoft && !provided
	return res, nil
}

// evaluateRule возвращает (отказ, false) на первом нарушенном условии.
func (e *Engine) evaluateRule(rule domain.Rule, p domain.Payload) (domain.EvaluationResult, bool) {
	now := e.now()
	for _, key := range rule.Conditions.Keys() {
		ev, known := lookupEvaluator(key)
		if !known {
			// Правила из будущих версий не должны ломать проверку
			e.logger.Warn("unknown condition skipped", zap.String("rule_id", rule.ID), zap.String("condition", key))
			continue
		}

		cr, err := ev(rule.Conditions[key], p, now)
		if err != nil {
			e.logger.Error("invalid condition value",
				zap.String("rule_id", rule.ID), zap.String("condition", key), zap.Error(err))
			return domain.Deny(domain.ReasonInvalidCondition, map[string]interface{}{
				"condition": key,
				"rule_id":   rule.ID,
			}), false
		}
		if !cr.ok {
			if cr.metadata == nil {
				cr.metadata = make(map[string]interface{})
			}
			cr.metadata["rule_id"] = rule.ID
			return domain.Deny(cr.reason, cr.metadata), false
		}
	}
	return domain.Allow(), true
}
