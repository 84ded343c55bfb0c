package engine

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-gate/internal/ratelimit"
)

// maxBodyBytes: предел тела запроса агента
const maxBodyBytes = 1 << 20

// validateBody: тело POST /v1/validate. payload остается сырым до разбора в domain.Payload.
type validateBody struct {
	Tool      string          `json:"tool"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	Reasoning string          `json:"reasoning"`
}

// parseValidateRequest: общий для HTTP и gRPC разбор запроса на действие.
func parseValidateRequest(body validateBody) (domain.ValidateRequest, string) {
	if body.Tool == "" || body.Scope == "" {
		return domain.ValidateRequest{}, "tool and scope are required"
	}
	payload, err := domain.ParsePayload(body.Payload)
	if err != nil {
		return domain.ValidateRequest{}, "payload must be a JSON object"
	}
	return domain.ValidateRequest{
		Tool:      body.Tool,
		Scope:     body.Scope,
		Payload:   payload,
		Reasoning: body.Reasoning,
	}, ""
}

// Validate обслуживает POST /v1/validate (200 разрешено, 403 отказ, 429 лимит, 503 хранилище недоступно).
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.AuthReason(domain.ErrNoCredentials))
		return
	}

	var body validateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, problem := parseValidateRequest(body)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	out := s.gate.Authorize(r.Context(), agent, req)
	setRateLimitHeaders(w, out.RateLimit)

	switch out.Kind {
	case OutcomeAllowed:
		writeJSON(w, http.StatusOK, out.Decision)
	case OutcomeRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(out.RateLimit.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, out.Decision)
	case OutcomeUnavailable:
		writeJSON(w, http.StatusServiceUnavailable, out.Decision)
	default:
		writeJSON(w, http.StatusForbidden, out.Decision)
	}
}

// RateLimitStatus (GET /v1/ratelimit) отдает остаток бюджета вызывающего агента без списания.
func (s *Server) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.AuthReason(domain.ErrNoCredentials))
		return
	}
	writeJSON(w, http.StatusOK, s.gate.Status(r.Context(), agent))
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
