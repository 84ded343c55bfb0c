package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor проверяет учетные данные в метаданных gRPC вызова
func UnaryAuthInterceptor(a auth.Authenticator, metrics *Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, _ := metadata.FromIncomingContext(ctx)

		// 2. Trace-ID из метаданных или новый
		traceID := first(md, strings.ToLower(HeaderTraceID))
		if traceID != "" {
			ctx = WithTraceID(ctx, traceID)
		}

		// 3. Те же режимы, что и в HTTP (в gRPC заголовки в нижнем регистре)
		creds := domain.Credentials{
			AgentID: first(md, strings.ToLower(auth.HeaderAgentID)),
			APIKey:  first(md, strings.ToLower(auth.HeaderAPIKey)),
		}
		if h := first(md, strings.ToLower(auth.HeaderAuthorization)); h != "" {
			if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
				creds.BearerToken = strings.TrimSpace(token)
			}
		}

		agent, err := a.Authenticate(ctx, creds)
		if err != nil {
			if metrics != nil {
				metrics.ObserveAuthFailure(err)
			}
			switch {
			case errors.Is(err, domain.ErrEngineUnavailable):
				logger.Error("credential verification unavailable", zap.Error(err))
				return nil, status.Error(codes.Unavailable, domain.ReasonServiceUnavailable)
			case errors.Is(err, domain.ErrAgentDisabled):
				return nil, status.Error(codes.PermissionDenied, domain.AuthReason(err))
			default:
				return nil, status.Error(codes.Unauthenticated, domain.AuthReason(err))
			}
		}

		// 4. Обогащаем контекст для Validate
		return handler(auth.WithAgent(ctx, agent), req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
