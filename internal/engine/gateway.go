package engine

/*
Файл gateway.go — точка входа авторизации (Request Entry Point).

Порядок для каждого запроса уже аутентифицированного агента:
  rate limit -> evaluate -> audit (enqueue) -> ответ.

Лимитер стоит перед движком правил: перегруженный агент отсекается до обращения к хранилищу.
Отказ лимитера тоже попадает в аудит. Сбой хранилища трактуется как отказ (fail closed)
и тоже аудируется. Запись аудита никогда не блокирует и не меняет вердикт.
*/

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/policy"
	"github.com/xela07ax/spaceai-agent-gate/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimiter: admission control. Реализуется ratelimit.Limiter и ratelimit.RedisLimiter.
type RateLimiter interface {
	Acquire(ctx context.Context, agentID string, capacity int) ratelimit.Decision
	Snapshot(ctx context.Context, agentID string) ratelimit.Status
}

// Outcome: вердикт плюс все, что нужно транспорту для заголовков и кода ответа.
type Outcome struct {
	Decision  domain.Decision
	Kind      string // OutcomeAllowed | OutcomeDenied | OutcomeRateLimited | OutcomeUnavailable
	RateLimit ratelimit.Decision
}

type Gate struct {
	pdp         policy.Enforcer
	limiter     RateLimiter
	auditor     audit.Recorder
	metrics     *Metrics
	defaultRate int
	logger      *zap.Logger
}

func NewGate(pdp policy.Enforcer, limiter RateLimiter, auditor audit.Recorder, metrics *Metrics, defaultRate int, logger *zap.Logger) *Gate {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if defaultRate <= 0 {
		defaultRate = domain.DefaultRateLimit
	}
	return &Gate{
		pdp:         pdp,
		limiter:     limiter,
		auditor:     auditor,
		metrics:     metrics,
		defaultRate: defaultRate,
		logger:      logger.Named("gate"),
	}
}

// Authorize прогоняет запрос агента через лимитер и движок правил и ставит запись в аудит.
func (g *Gate) Authorize(ctx context.Context, agent *domain.Agent, req domain.ValidateRequest) Outcome {
	start := time.Now()
	traceID := extractTraceID(ctx)

	// known: пара tool/scope описана правилами оператора. Только такие пары идут в метки,
	// иначе агент раздует кардинальность произвольными строками.
	var (
		out   Outcome
		known bool
	)
	defer func() {
		tool, scope := unmatchedLabel, unmatchedLabel
		if known {
			tool, scope = req.Tool, req.Scope
		}
		g.metrics.TotalRequests.WithLabelValues(tool, scope).Inc()
		g.metrics.Decisions.WithLabelValues(out.Kind).Inc()
		g.metrics.RequestDuration.WithLabelValues(out.Kind).Observe(time.Since(start).Seconds())
	}()

	// 1. Rate Limiter (самый дешевый, без I/O хранилища)
	out.RateLimit = g.limiter.Acquire(ctx, agent.ID, agent.EffectiveRateLimit(g.defaultRate))
	if !out.RateLimit.Allowed {
		res := domain.Deny(domain.ReasonRateLimited, map[string]interface{}{
			"limit":       out.RateLimit.Limit,
			"retry_after": out.RateLimit.RetryAfter,
		})
		res.ReasoningProvided = strings.TrimSpace(req.Reasoning) != ""
		out.Kind = OutcomeRateLimited
		out.Decision = toDecision(res)
		g.auditor.Record(audit.NewEntry(traceID, agent.ID, req, res))
		return out
	}

	// 2. Policy Enforcement (PDP)
	res, err := g.pdp.Evaluate(ctx, agent, req)
	if err != nil {
		// Детали сбоя только в лог, агенту: общий ответ
		if !errors.Is(err, domain.ErrEngineUnavailable) {
			err = errors.Join(domain.ErrEngineUnavailable, err)
		}
		g.logger.Error("rule evaluation failed",
			zap.String("trace_id", traceID),
			zap.String("agent_id", agent.ID),
			zap.String("tool", req.Tool),
			zap.String("scope", req.Scope),
			zap.Error(err),
		)
		res = domain.Deny(domain.ReasonServiceUnavailable, nil)
		res.ReasoningProvided = strings.TrimSpace(req.Reasoning) != ""
		out.Kind = OutcomeUnavailable
		out.Decision = toDecision(res)
		g.auditor.Record(audit.NewEntry(traceID, agent.ID, req, res))
		return out
	}

	known = res.Reason != domain.ReasonNoRule

	// 3. Асинхронный аудит: вердикт возвращается после постановки записи в очередь
	g.auditor.Record(audit.NewEntry(traceID, agent.ID, req, res))

	if res.Allowed {
		out.Kind = OutcomeAllowed
		if res.Flagged {
			g.logger.Info("allowed without soft reasoning",
				zap.String("trace_id", traceID), zap.String("agent_id", agent.ID),
				zap.String("tool", req.Tool), zap.String("scope", req.Scope))
		}
	} else {
		out.Kind = OutcomeDenied
	}
	out.Decision = toDecision(res)
	return out
}

// Status: состояние бакета агента для GET /v1/ratelimit.
func (g *Gate) Status(ctx context.Context, agent *domain.Agent) ratelimit.Status {
	st := g.limiter.Snapshot(ctx, agent.ID)
	// Агент еще не делал запросов: показываем его собственный лимит, а не системный
	if limit := agent.EffectiveRateLimit(g.defaultRate); st.Remaining == st.Limit && st.Limit != limit {
		st.Limit, st.Remaining = limit, limit
	}
	return st
}

func toDecision(res domain.EvaluationResult) domain.Decision {
	return domain.Decision{Allowed: res.Allowed, Reason: res.Reason, Metadata: res.Metadata}
}
