package engine

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"go.uber.org/zap"
)

type Server struct {
	router  *chi.Mux
	logger  *zap.Logger
	timeout time.Duration

	gate        *Gate
	creds       CredentialService
	authHandler *AuthHandler // /v1/auth/*
	metrics     *Metrics
}

// NewServer собирает HTTP API шлюза. requestTimeout <= 0: без общего таймаута.
func NewServer(gate *Gate, creds CredentialService, metrics *Metrics, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.Named("gate-api"),
		timeout:     requestTimeout,
		gate:        gate,
		creds:       creds,
		authHandler: NewAuthHandler(creds, metrics, logger),
		metrics:     metrics,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Обмен ключа на токены доступен без токена
		r.Post("/v1/auth/login", s.authHandler.Login)
		r.Post("/v1/auth/refresh", s.authHandler.Refresh)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Bearer-токен или API-ключ) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.creds, s.logger, s.metrics.ObserveAuthFailure))

		r.Post("/v1/auth/revoke", s.authHandler.Revoke)
		r.Post("/v1/validate", s.Validate)
		r.Get("/v1/ratelimit", s.RateLimitStatus)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
