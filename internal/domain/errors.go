package domain

import "errors"

// Ошибки аутентификации. Любая из них отклоняет запрос без побочных эффектов.
var (
	ErrNoCredentials     = errors.New("no credentials presented")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrTokenExpired      = errors.New("token expired")
	ErrWrongTokenType    = errors.New("wrong token type")
	ErrRevoked           = errors.New("token revoked")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentDisabled     = errors.New("agent disabled")
)

// ErrEngineUnavailable: хранилище недоступно. Вызывающий обязан трактовать как отказ (fail closed).
var ErrEngineUnavailable = errors.New("engine unavailable")

var authErrors = []error{
	ErrNoCredentials,
	ErrInvalidCredential,
	ErrTokenExpired,
	ErrWrongTokenType,
	ErrRevoked,
	ErrAgentNotFound,
	ErrAgentDisabled,
}

// IsAuthError сообщает, относится ли ошибка к классу AuthError.
func IsAuthError(err error) bool {
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// AuthReason: короткий машинный код для ответа и метрик.
func AuthReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrWrongTokenType):
		return "wrong_token_type"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrAgentDisabled):
		return "agent_disabled"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	default:
		return "unknown"
	}
}
