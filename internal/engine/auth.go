package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/xela07ax/spaceai-agent-gate/internal/credential"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// CredentialService описывает Credential Verifier целиком: проверка, выдача, обновление и отзыв токенов.
type CredentialService interface {
	auth.Authenticator
	Login(ctx context.Context, agentID, apiKey string) (*domain.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenResponse, error)
	RevokeToken(ctx context.Context, owner *domain.Agent, token string) error
}

type AuthHandler struct {
	creds   CredentialService
	metrics *Metrics
	logger  *zap.Logger
}

func NewAuthHandler(creds CredentialService, metrics *Metrics, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{creds: creds, metrics: metrics, logger: logger.Named("auth-handler")}
}

// Login: POST /v1/auth/login {agent_id, api_key} -> пара токенов
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := h.creds.Login(r.Context(), req.AgentID, req.APIKey)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh: POST /v1/auth/refresh {refresh_token} -> новый access-токен
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.creds.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Revoke: POST /v1/auth/revoke {token}. Агент отзывает только свои токены.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.AuthReason(domain.ErrNoCredentials))
		return
	}

	var req domain.RevokeRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.creds.RevokeToken(r.Context(), agent, req.Token); err != nil {
		if errors.Is(err, credential.ErrNotOwner) {
			writeError(w, http.StatusForbidden, "token does not belong to the caller")
			return
		}
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail: единая классификация ошибок верификатора. Внутренние детали в ответ не попадают.
func (h *AuthHandler) fail(w http.ResponseWriter, err error) {
	status := auth.StatusForAuthError(err)
	if status == http.StatusServiceUnavailable || !domain.IsAuthError(err) {
		h.logger.Error("credential operation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, domain.ReasonServiceUnavailable)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveAuthFailure(err)
	}
	// не уточняем, что именно неверно (агент или ключ) для защиты от перебора
	writeError(w, status, domain.AuthReason(err))
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, domain.Decision{Allowed: false, Reason: reason})
}
