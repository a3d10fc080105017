// Server runs the CityCab real-time gateway: the STOMP-over-WebSocket endpoint, the auth and admin HTTP API,
// and the gRPC health service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	adminhandler "github.com/devtizi/city-cab/internal/admin/handler"
	"github.com/devtizi/city-cab/internal/audit"
	audithandler "github.com/devtizi/city-cab/internal/audit/handler"
	auditrepo "github.com/devtizi/city-cab/internal/audit/repository"
	"github.com/devtizi/city-cab/internal/config"
	"github.com/devtizi/city-cab/internal/db"
	healthhandler "github.com/devtizi/city-cab/internal/health/handler"
	identityhandler "github.com/devtizi/city-cab/internal/identity/handler"
	"github.com/devtizi/city-cab/internal/identity/service"
	"github.com/devtizi/city-cab/internal/logging"
	"github.com/devtizi/city-cab/internal/policy/engine"
	"github.com/devtizi/city-cab/internal/realtime"
	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/server"
	"github.com/devtizi/city-cab/internal/server/interceptors"
	"github.com/devtizi/city-cab/internal/session/registry"
	"github.com/devtizi/city-cab/internal/telemetry"
	telemetryotel "github.com/devtizi/city-cab/internal/telemetry/otel"
	"github.com/devtizi/city-cab/internal/telemetry/producer"
	"github.com/devtizi/city-cab/internal/token"
	tokenrepo "github.com/devtizi/city-cab/internal/token/repository"
	"github.com/devtizi/city-cab/internal/token/revocation"
	userrepo "github.com/devtizi/city-cab/internal/user/repository"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	logOpts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: cfg.OTelServiceName}
	if cfg.OTelEndpoint != "" {
		logOpts.LoggerProvider = providers.LoggerProvider
	}
	logger := logging.New(os.Stderr, logOpts)
	slog.SetDefault(logger)

	keys, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return fmt.Errorf("jwt keys: %w", err)
	}
	tokens := security.NewTokenProvider(keys.Private, keys.Public, cfg.JWTIssuer, cfg.Audiences(), cfg.AccessTTL(), cfg.RefreshTTL())
	jwks, err := security.MarshalJWKS(keys.Public, cfg.JWTKeyID)
	if err != nil {
		return fmt.Errorf("jwks: %w", err)
	}

	var conn *sql.DB
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
	} else {
		logger.Warn("DATABASE_URL is empty; login, token status and audit storage are disabled")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = revocation.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}
	revocations := revocation.NewRedisStore(redisClient)

	policy, policyHealth, err := newPolicy(ctx, cfg.PolicyEngine, logger)
	if err != nil {
		return err
	}

	metrics, err := telemetry.NewMetrics(providers.Meter("github.com/devtizi/city-cab"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.PresenceKafkaTopic)
	if err != nil {
		return fmt.Errorf("presence producer: %w", err)
	}
	defer kafkaProducer.Close()
	presence := telemetry.Multi(kafkaProducer, telemetryotel.NewEventEmitter(providers.LoggerProvider))

	var (
		status     interceptors.StatusChecker
		checker    *token.Checker
		auditLog   audit.AuditLogger
		auditStore auditrepo.Repository
	)
	if conn != nil {
		auditStore = auditrepo.NewPostgresRepository(conn)
		auditLog = audit.NewLogger(auditStore, interceptors.ClientIPFrom, logger)
		if cfg.TokenStatusCheck {
			checker = token.NewChecker(tokenrepo.NewPostgresRepository(conn), revocations,
				cfg.TokenCacheSize, cfg.TokenCacheDuration(), logger)
			status = checker
		}
	}

	sessions := registry.New(logger)
	stompAuth := interceptors.NewStompAuth(interceptors.StompAuthDeps{
		Tokens:   tokens,
		Registry: sessions,
		Policy:   policy,
		Status:   status,
		Audit:    auditLog,
		Presence: presence,
		Metrics:  metrics,
		Logger:   logger,
	})
	hub := realtime.NewHub(stompAuth, sessions, nil, realtime.Options{AllowedOrigins: cfg.AllowedOrigins()}, logger)
	sweeper := registry.NewSweeper(sessions, cfg.SweepInterval(), cfg.IdleTimeout(), hub.Evict, logger)

	var pinger healthhandler.Pinger
	if conn != nil {
		pinger = conn
	}
	health := healthhandler.NewServer(pinger, policyHealth)

	deps := server.RouterDeps{
		Health:   health,
		Admin:    adminhandler.NewHandler(sessions, logger),
		Realtime: hub,
		Tokens:   tokens,
		Status:   status,
		Logger:   logger,
	}
	if conn != nil {
		var forgetter service.TokenForgetter
		if checker != nil {
			forgetter = checker
		}
		auth := service.NewAuthService(service.Deps{
			Users:       userrepo.NewPostgresRepository(conn),
			Tokens:      tokenrepo.NewPostgresRepository(conn),
			Hasher:      security.NewHasher(cfg.BcryptCost),
			Provider:    tokens,
			Revocations: revocations,
			Status:      forgetter,
			Audit:       auditLog,
			Logger:      logger,
		})
		deps.Auth = identityhandler.NewHandler(auth, jwks, logger)
		deps.Audit = audithandler.NewHandler(auditStore, logger)
	} else {
		deps.Auth = identityhandler.NewHandler(nil, jwks, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := server.NewGRPCServer(server.Deps{HealthPinger: pinger, HealthPolicyChecker: policyHealth})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr, "policy_engine", cfg.PolicyEngine)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		if err := sweeper.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("sweeper: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("shutting down after failure", "error", runErr)
	}
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("server stopped")
	return runErr
}

// newPolicy builds the destination evaluator. The returned checker is nil for the rule engine.
func newPolicy(ctx context.Context, name string, logger *slog.Logger) (engine.Evaluator, healthhandler.PolicyChecker, error) {
	if name != "opa" {
		return engine.NewRuleEvaluator(), nil, nil
	}
	opa, err := engine.NewOPAEvaluator(ctx, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opa: %w", err)
	}
	return opa, opa, nil
}
