package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"go.uber.org/zap"
)

// Authenticator: интерфейс верификатора учетных данных агента.
type Authenticator interface {
	Authenticate(ctx context.Context, creds domain.Credentials) (*domain.Agent, error)
}

// Имена заголовков входящего запроса
const (
	HeaderAuthorization = "Authorization"
	HeaderAgentID       = "X-Agent-ID"
	HeaderAPIKey        = "X-API-Key"
)

type ctxKey string

const agentKey ctxKey = "agent"

// CredentialsFromRequest достает оба режима: Bearer-токен и пару ID+ключ.
func CredentialsFromRequest(r *http.Request) domain.Credentials {
	var creds domain.Credentials
	if h := r.Header.Get(HeaderAuthorization); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			creds.BearerToken = strings.TrimSpace(token)
		}
	}
	creds.AgentID = strings.TrimSpace(r.Header.Get(HeaderAgentID))
	creds.APIKey = strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	return creds
}

// WithAgent / AgentFromContext прокидывают аутентифицированного агента дальше по цепочке.
func WithAgent(ctx context.Context, agent *domain.Agent) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

func AgentFromContext(ctx context.Context) (*domain.Agent, bool) {
	agent, ok := ctx.Value(agentKey).(*domain.Agent)
	return agent, ok && agent != nil
}

// StatusForAuthError: 403 для отключенного агента, 503 для недоступного хранилища, иначе 401.
func StatusForAuthError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAgentDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// NewMiddleware аутентифицирует агента и кладет его в контекст.
// onFailure вызывается для каждой неудачи (метрики); может быть nil.
func NewMiddleware(a Authenticator, logger *zap.Logger, onFailure func(err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, err := a.Authenticate(r.Context(), CredentialsFromRequest(r))
			if err != nil {
				if onFailure != nil {
					onFailure(err)
				}
				status := StatusForAuthError(err)
				reason := domain.AuthReason(err)
				if status == http.StatusServiceUnavailable {
					// Детали сбоя только в лог, агенту: общий ответ
					logger.Error("credential verification unavailable", zap.Error(err))
					reason = domain.ReasonServiceUnavailable
				} else {
					logger.Warn("auth failure", zap.String("reason", reason), zap.Error(err))
				}
				writeAuthError(w, status, reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"allowed":false,"reason":"` + reason + `"}`))
}
