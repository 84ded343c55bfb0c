package engine

import (
	"context"
	"encoding/json"

	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Полное имя метода: тот же пайплайн, что и POST /v1/validate.
// Запрос и ответ: google.protobuf.Struct с полями как в JSON API.
const (
	GateServiceName    = "spaceai.gate.v1.GateService"
	ValidateFullMethod = "/" + GateServiceName + "/Validate"
)

// GateServiceServer: серверная сторона сервиса валидации.
type GateServiceServer interface {
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GateServiceDesc описывает сервис без сгенерированного кода, сообщения это well-known Struct.
var GateServiceDesc = grpc.ServiceDesc{
	ServiceName: GateServiceName,
	HandlerType: (*GateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: validateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spaceai/gate/v1/gate.proto",
}

func validateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServiceServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServiceServer).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGatewayServer struct {
	gate   *Gate
	logger *zap.Logger
}

func NewGRPCGatewayServer(gate *Gate, logger *zap.Logger) *GRPCGatewayServer {
	return &GRPCGatewayServer{gate: gate, logger: logger.Named("grpc")}
}

// Register регистрирует сервис на gRPC сервере.
func (s *GRPCGatewayServer) Register(srv *grpc.Server) {
	srv.RegisterService(&GateServiceDesc, s)
}

func (s *GRPCGatewayServer) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agent, ok := auth.AgentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no_credentials")
	}

	// 1. Подготавливаем данные (Struct -> JSON -> общий разбор, как у HTTP)
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	var body validateBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	vreq, problem := parseValidateRequest(body)
	if problem != "" {
		return nil, status.Error(codes.InvalidArgument, problem)
	}

	// 2. Единый пайплайн (тот же, что и для HTTP)
	out := s.gate.Authorize(ctx, agent, vreq)
	if out.Kind == OutcomeUnavailable {
		return nil, status.Error(codes.Unavailable, out.Decision.Reason)
	}

	// 3. Собираем ответ обратно в Protobuf. JSON-проход нормализует числа метаданных.
	resp := map[string]interface{}{
		"allowed": out.Decision.Allowed,
	}
	if out.Decision.Reason != "" {
		resp["reason"] = out.Decision.Reason
	}
	if len(out.Decision.Metadata) > 0 {
		resp["metadata"] = out.Decision.Metadata
	}
	if out.Kind == OutcomeRateLimited {
		resp["retry_after"] = out.RateLimit.RetryAfter
	}

	normalized, err := toJSONMap(resp)
	if err != nil {
		s.logger.Error("failed to encode decision", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	result, err := structpb.NewStruct(normalized)
	if err != nil {
		s.logger.Error("failed to build response struct", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return result, nil
}

func toJSONMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
