package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/credential"
	"github.com/xela07ax/spaceai-agent-gate/internal/engine"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-gate/internal/policy"
	"github.com/xela07ax/spaceai-agent-gate/internal/ratelimit"
	"github.com/xela07ax/spaceai-agent-gate/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-gate/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	// 0. Конфиг и логгер
	var (
		cfg *infra.Config
		err error
	)
	if *configPath != "" {
		cfg, err = infra.LoadConfigFile(*configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gate stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 1. Хранилище
	storage, closeStorage, err := openStorage(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	// Оборачиваем в Reliability (Circuit Breaker, Retries)
	store := engine.NewReliableStore(storage, cfg.Breaker, cfg.Audit.WriteAttempts, metrics, logger)

	// 2. Redis опционален: сигналы отзыва и общий лимитер
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	// 3. Credential Verifier
	codec, err := newCodec(cfg.Auth)
	if err != nil {
		return err
	}
	// jti живут в RAM не дольше самого длинного токена
	revocations := credential.NewRevocationCache(store, rdb, logger).
		WithRetention(max(cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL))
	go revocations.StartListener(appCtx)

	// Kill-switch: экстренная остановка агента на всех инстансах
	killSwitch := credential.NewKillSwitch(rdb, logger)
	if err := killSwitch.Init(appCtx); err != nil {
		return err
	}
	go killSwitch.StartListener(appCtx)

	verifier := credential.NewVerifier(store, revocations, codec, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, logger).
		WithKillSwitch(killSwitch)

	// 4. Rate Limiter
	var limiter engine.RateLimiter
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.DefaultPerMinute, cfg.RateLimit.KeyTTL, logger)
	default:
		limiter = ratelimit.NewLimiter(cfg.RateLimit.DefaultPerMinute)
	}

	// 5. Rule Engine: каталог инструментов живет в RAM, правила читаются из хранилища
	catalog := policy.NewMemoCatalog(store, logger)
	if err := catalog.Refresh(appCtx); err != nil {
		return fmt.Errorf("tool catalog warmup: %w", err)
	}
	go catalog.StartRefresher(appCtx, cfg.Storage.CatalogRefresh)

	pdp := policy.NewEngine(store, catalog, logger)

	// 6. Audit Logger. Stop после остановки серверов, чтобы дописать буфер
	auditor := audit.NewLogger(store, cfg.Audit, logger).WithObserver(metrics)
	auditor.Start()
	defer auditor.Stop()

	// 7. Core
	gate := engine.NewGate(pdp, limiter, auditor, metrics, cfg.RateLimit.DefaultPerMinute, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewServer(gate, verifier, metrics, cfg.Server.RequestTimeout, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(verifier, metrics, logger)))
	engine.NewGRPCGatewayServer(gate, logger).Register(grpcSrv)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	errCh := make(chan error, 3)

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			errCh <- fmt.Errorf("listen gRPC: %w", err)
			return
		}
		logger.Info("gRPC server started", zap.Int("port", cfg.GRPC.Port))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	go func() {
		logger.Info("gate started", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver),
			zap.String("ratelimit", cfg.RateLimit.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 8. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("gate stopping...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	logger.Info("gate exited properly")
	return runErr
}

// openStorage выбирает реализацию по storage.driver. Для postgres проверяет связь и применяет схему.
func openStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (engine.Storage, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	pg, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := pg.Close(); err != nil {
			logger.Error("postgres close failed", zap.Error(err))
		}
	}

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := pg.Migrate(pingCtx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return pg, closeFn, nil
}

// newCodec: при наличии закрытого ключа подписываем RS256, иначе HS256 секретом.
func newCodec(cfg infra.AuthConfig) (*auth.TokenCodec, error) {
	if len(cfg.PrivateKey) == 0 {
		return auth.NewHMACCodec([]byte(cfg.JWTSecret), cfg.Issuer)
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("auth private key: %w", err)
	}
	var pub *rsa.PublicKey
	if len(cfg.PublicKey) > 0 {
		if pub, err = auth.ParseRSAPublicKey(cfg.PublicKey); err != nil {
			return nil, fmt.Errorf("auth public key: %w", err)
		}
	}
	return auth.NewRSACodec(priv, pub, cfg.Issuer)
}
