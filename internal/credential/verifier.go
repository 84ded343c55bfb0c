package credential

/*
Файл verifier.go реализует Credential Verifier — первую линию обороны шлюза.

Два режима аутентификации, в порядке приоритета:
- Bearer-токен (JWT): подпись + срок, тип access, jti (и семья) не отозваны, агент существует и включен.
- API-ключ: хэш ключа сравнивается за постоянное время с сохраненным хэшем агента.

Сюда же входят выдача пары токенов (Login), обновление access-токена (Refresh) и отзыв (Revoke).
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// AgentProvider: чтение агентов из хранилища.
type AgentProvider interface {
	GetAgentByID(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error)
}

// RevocationStore: хранилище отозванных jti.
type RevocationStore interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	RecordRevokedToken(ctx context.Context, jti string) error
}

// ErrNotOwner: агент пытается отозвать чужой токен.
var ErrNotOwner = errors.New("token does not belong to the caller")

type Verifier struct {
	agents     AgentProvider
	revoked    RevocationStore
	codec      *auth.TokenCodec
	accessTTL  time.Duration
	refreshTTL time.Duration
	kill       *KillSwitch // nil: экстренная блокировка не подключена
	logger     *zap.Logger
}

func NewVerifier(agents AgentProvider, revoked RevocationStore, codec *auth.TokenCodec, accessTTL, refreshTTL time.Duration, logger *zap.Logger) *Verifier {
	return &Verifier{
		agents:     agents,
		revoked:    revoked,
		codec:      codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger.Named("verifier"),
	}
}

// WithKillSwitch подключает экстренную блокировку агентов.
func (v *Verifier) WithKillSwitch(k *KillSwitch) *Verifier {
	v.kill = k
	return v
}

// active: агент включен в хранилище и не остановлен kill-switch'ем.
func (v *Verifier) active(agent *domain.Agent) bool {
	return agent.Enabled && !v.kill.IsBlocked(agent.ID)
}

// Authenticate реализует auth.Authenticator.
func (v *Verifier) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.Agent, error) {
	switch {
	case creds.HasToken():
		return v.authenticateToken(ctx, creds.BearerToken)
	case creds.HasAPIKey():
		return v.authenticateAPIKey(ctx, creds.AgentID, creds.APIKey)
	default:
		return nil, domain.ErrNoCredentials
	}
}

func (v *Verifier) authenticateToken(ctx context.Context, token string) (*domain.Agent, error) {
	// 1. Подпись и срок
	claims, err := v.codec.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	// 2. Для доступа к ресурсам годится только access
	if claims.Type != domain.TokenAccess {
		return nil, fmt.Errorf("%w: expected %s, got %q", domain.ErrWrongTokenType, domain.TokenAccess, claims.Type)
	}

	// 3. Отзыв
	if err := v.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}

	// 4. Агент
	return v.resolveAgent(ctx, claims.Subject)
}

func (v *Verifier) authenticateAPIKey(ctx context.Context, agentID, key string) (*domain.Agent, error) {
	var (
		agent *domain.Agent
		err   error
	)
	if agentID != "" {
		agent, err = v.agents.GetAgentByID(ctx, agentID)
	} else {
		// Без ID ищем по хэшу (работает только для sha256-хэшей)
		agent, err = v.agents.GetAgentByCredentialHash(ctx, HashAPIKey(key))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: agent lookup: %v", domain.ErrEngineUnavailable, err)
	}

	// Неизвестный агент и неверный ключ неразличимы для вызывающего
	if agent == nil || !MatchAPIKey(agent.CredentialHash, key) {
		return nil, domain.ErrInvalidCredential
	}
	if !v.active(agent) {
		return nil, domain.ErrAgentDisabled
	}
	return agent, nil
}

func (v *Verifier) checkRevoked(ctx context.Context, claims *domain.AgentClaims) error {
	ids := []string{claims.ID}
	if claims.FamilyID != "" && claims.FamilyID != claims.ID {
		ids = append(ids, claims.FamilyID)
	}
	for _, id := range ids {
		revoked, err := v.revoked.IsTokenRevoked(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: revocation lookup: %v", domain.ErrEngineUnavailable, err)
		}
		if revoked {
			return domain.ErrRevoked
		}
	}
	return nil
}

func (v *Verifier) resolveAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := v.agents.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: agent lookup: %v", domain.ErrEngineUnavailable, err)
	}
	if agent == nil {
		return nil, domain.ErrAgentNotFound
	}
	if !v.active(agent) {
		return nil, domain.ErrAgentDisabled
	}
	return agent, nil
}

// Login меняет статический ключ на свежую пару access+refresh.
func (v *Verifier) Login(ctx context.Context, agentID, apiKey string) (*domain.TokenPair, error) {
	if apiKey == "" {
		return nil, domain.ErrNoCredentials
	}
	agent, err := v.authenticateAPIKey(ctx, agentID, apiKey)
	if err != nil {
		return nil, err
	}

	now := v.codec.Now()
	familyID := uuid.New().String()

	refresh, err := v.codec.Sign(v.newClaims(agent.ID, domain.TokenRefresh, familyID, familyID, now, v.refreshTTL))
	if err != nil {
		return nil, err
	}
	access, err := v.codec.Sign(v.newClaims(agent.ID, domain.TokenAccess, uuid.New().String(), familyID, now, v.accessTTL))
	if err != nil {
		return nil, err
	}

	v.logger.Info("token pair issued", zap.String("agent_id", agent.ID), zap.String("family", familyID))

	return &domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(v.accessTTL.Seconds()),
		RefreshExpiresIn: int64(v.refreshTTL.Seconds()),
	}, nil
}

// Refresh проверяет refresh-токен и выпускает ровно один новый access-токен с новым jti.
// Новый refresh-токен никогда не выдается.
func (v *Verifier) Refresh(ctx context.Context, refreshToken string) (*domain.TokenResponse, error) {
	claims, err := v.codec.VerifyToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != domain.TokenRefresh {
		return nil, fmt.Errorf("%w: expected %s, got %q", domain.ErrWrongTokenType, domain.TokenRefresh, claims.Type)
	}
	if err := v.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}
	agent, err := v.resolveAgent(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	familyID := claims.FamilyID
	if familyID == "" {
		familyID = claims.ID
	}
	access, err := v.codec.Sign(v.newClaims(agent.ID, domain.TokenAccess, uuid.New().String(), familyID, v.codec.Now(), v.accessTTL))
	if err != nil {
		return nil, err
	}

	return &domain.TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(v.accessTTL.Seconds()),
	}, nil
}

// Revoke записывает jti как отозванный. Повторный отзыв: успешный no-op.
func (v *Verifier) Revoke(ctx context.Context, jti string) error {
	if jti == "" {
		return fmt.Errorf("%w: empty jti", domain.ErrInvalidCredential)
	}
	if err := v.revoked.RecordRevokedToken(ctx, jti); err != nil {
		return fmt.Errorf("%w: record revocation: %v", domain.ErrEngineUnavailable, err)
	}
	v.logger.Info("token revoked", zap.String("jti", jti))
	return nil
}

// RevokeToken отзывает предъявленный токен от имени агента-владельца.
// Срок не проверяется: отзыв истекшего токена тоже допустим. Отзыв refresh-токена гасит всю семью.
func (v *Verifier) RevokeToken(ctx context.Context, owner *domain.Agent, token string) error {
	claims, err := v.codec.VerifySignature(token)
	if err != nil {
		return err
	}
	if owner == nil || claims.Subject != owner.ID {
		return ErrNotOwner
	}
	return v.Revoke(ctx, claims.ID)
}

func (v *Verifier) newClaims(agentID string, typ domain.TokenType, jti, familyID string, now time.Time, ttl time.Duration) *domain.AgentClaims {
	return &domain.AgentClaims{
		Type:     typ,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.codec.Issuer(),
			Subject:   agentID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
