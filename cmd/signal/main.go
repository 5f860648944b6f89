package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"
	httphandlers "proctornet/internal/handlers/http"
	"proctornet/internal/infrastructure/channel/memory"
	redischannel "proctornet/internal/infrastructure/channel/redis"
	"proctornet/internal/infrastructure/middleware"
	"proctornet/internal/infrastructure/monitoring"
	hub "proctornet/internal/infrastructure/signal"
	"proctornet/internal/infrastructure/turn"
	"proctornet/pkg/config"
	"proctornet/pkg/logger"
	"proctornet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print a token for exam:participant:role and exit")
	flag.Parse()

	cfg := loadConfig(*configPath)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	if *issueToken != "" {
		identity, err := parseIdentity(*issueToken)
		if err != nil {
			log.Fatalw("invalid -issue-token value", "error", err)
		}
		token, err := authService.GenerateToken(identity)
		if err != nil {
			log.Fatalw("failed to generate token", "error", err)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "proctornet-signal",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("PROCTORNET_ENV"),
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(nil)
	health := monitoring.NewHealthChecker()

	var (
		backend    hub.Backend
		redisStore *redischannel.Store
	)
	switch cfg.Signal.Store {
	case "redis":
		client, err := redischannel.NewClient(cfg, log)
		if err != nil {
			log.Fatalw("failed to connect signaling store", "error", err)
		}
		defer client.Close()

		redisStore, err = redischannel.NewStore(ctx, client, redischannel.NewKeys(cfg.Redis.KeyPrefix), log)
		if err != nil {
			log.Fatalw("failed to open signaling store", "error", err)
		}
		defer redisStore.Close()

		reaper := redischannel.NewReaper(redisStore, cfg.Redis.LeaseTTL/2, log)
		go reaper.Run(ctx)

		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
		backend = hub.RedisBackend{Store: redisStore, LeaseTTL: cfg.Redis.LeaseTTL}
		log.Infow("signaling hub backed by redis", "key_prefix", cfg.Redis.KeyPrefix, "lease_ttl", cfg.Redis.LeaseTTL)
	default:
		store := memory.NewStore()
		health.AddChannelCheck(store, "broadcast/health", 30*time.Second, time.Second)
		backend = hub.MemoryBackend{Store: store}
		log.Info("signaling hub backed by process memory")
	}

	if cfg.TURN.Enabled {
		relay, err := turn.Start(cfg, log)
		if err != nil {
			log.Fatalw("failed to start turn relay", "error", err)
		}
		defer relay.Close()
	}

	signalingHub := hub.NewHub(backend, authService, hub.OptionsFromConfig(cfg), collector, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws",
		middleware.NewWebSocketRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(authService),
		signalingHub.HandleWebSocket,
	)
	router.GET("/health", signalingHub.HealthCheck)
	router.GET("/live", health.Liveness)
	router.GET("/ready", health.Readiness)

	api := router.Group("/api/v1", middleware.NewHTTPRateLimitMiddleware(cfg), middleware.AuthMiddleware(authService))
	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(api)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	health.StartBackgroundChecks(ctx)

	srv := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling hub", "address", cfg.Signal.Address, "store", cfg.Signal.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("signaling hub failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by http.Server.
	signalingHub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("signaling hub stopped")
}

func loadConfig(explicit string) *config.Config {
	paths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}
	if explicit != "" {
		paths = []string{explicit}
	}

	var lastErr error
	for _, path := range paths {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	fmt.Fprintf(os.Stderr, "using default configuration: %v\n", lastErr)
	return config.DefaultConfig()
}

func parseIdentity(value string) (domain.Identity, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return domain.Identity{}, fmt.Errorf("expected exam:participant:role, got %q", value)
	}
	role := domain.ParticipantRole(parts[2])
	if role != domain.RoleStudent && role != domain.RoleAdmin {
		return domain.Identity{}, fmt.Errorf("unknown role %q", parts[2])
	}
	return domain.Identity{
		ExamID:        domain.ExamID(parts[0]),
		ParticipantID: domain.ParticipantID(parts[1]),
		Role:          role,
	}, nil
}
