package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// AgentClaims: полезная нагрузка сессионного токена агента.
// Subject = ID агента, ID = jti (ключ отзыва).
type AgentClaims struct {
	Type TokenType `json:"typ"`
	// FamilyID: jti refresh-токена, выданного при login. Отзыв семьи гасит все access-токены.
	FamilyID string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// Credentials: то, что агент предъявил во входящем запросе.
type Credentials struct {
	BearerToken string // Authorization: Bearer <jwt>
	AgentID     string // X-Agent-ID
	APIKey      string // X-API-Key
}

// HasToken / HasAPIKey: режимы проверяются в порядке приоритета, сначала токен.
func (c Credentials) HasToken() bool  { return c.BearerToken != "" }
func (c Credentials) HasAPIKey() bool { return c.APIKey != "" }

type LoginRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RevokeRequest struct {
	Token string `json:"token"`
}

// TokenPair выдается при login.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// TokenResponse выдается при refresh: только новый access-токен.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
