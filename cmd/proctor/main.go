package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/core/services"
	httphandlers "proctornet/internal/handlers/http"
	"proctornet/internal/infrastructure/channel/wsclient"
	"proctornet/internal/infrastructure/journal"
	"proctornet/internal/infrastructure/media"
	"proctornet/internal/infrastructure/middleware"
	"proctornet/internal/infrastructure/monitoring"
	webrtcinfra "proctornet/internal/infrastructure/webrtc"
	"proctornet/pkg/config"
	"proctornet/pkg/logger"
	"proctornet/pkg/tracing"
	"proctornet/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type agentSupervisor interface {
	httphandlers.Supervisor
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// logObserver writes every session event to the agent log.
type logObserver struct {
	logger *zap.SugaredLogger
}

func (o logObserver) OnSessionEvent(event domain.SessionEvent) {
	o.logger.Debugw("session event",
		"type", event.Type,
		"remote_id", event.Diagnostics.RemoteID,
		"state", event.Diagnostics.State,
		"ice_state", event.Diagnostics.ICEState,
		"attempt", event.Diagnostics.Attempt,
	)
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg := loadConfig(*configPath)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	identity := domain.Identity{
		ExamID:        domain.ExamID(cfg.Agent.ExamID),
		ParticipantID: domain.ParticipantID(cfg.Agent.ParticipantID),
		Role:          roleForMode(cfg.Agent.Mode),
	}
	log := zapLogger.Sugar().With(
		"exam_id", identity.ExamID,
		"participant_id", identity.ParticipantID,
		"mode", cfg.Agent.Mode,
	)

	if err := validateAgent(cfg); err != nil {
		log.Fatalw("invalid agent configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "proctornet-agent",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("PROCTORNET_ENV"),
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	token := cfg.Agent.Token
	if token == "" {
		// Development setups share the hub secret instead of provisioning tokens.
		token, err = authService.GenerateToken(identity)
		if err != nil {
			log.Fatalw("failed to generate agent token", "error", err)
		}
	}

	collector := monitoring.NewPrometheusCollector(nil)
	health := monitoring.NewHealthChecker()

	channel, err := wsclient.Dial(ctx, wsclient.Options{
		URL:              cfg.Agent.HubURL,
		Token:            token,
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   10 * time.Second,
		PongTimeout:      cfg.Signal.PongTimeout,
		Reconnect:        cfg.Session.Retry,
	}, log)
	if err != nil {
		log.Fatalw("failed to connect to signaling hub", "url", cfg.Agent.HubURL, "error", err)
	}
	health.AddChannelCheck(channel, domain.BroadcastersPath(identity.ExamID), 30*time.Second, 2*time.Second)

	var (
		sessionJournal ports.SessionJournal = journal.NewLog(log)
		eventLog       httphandlers.EventLog
	)
	if cfg.Journal.Enabled {
		pg, pool, err := journal.Open(ctx, cfg, collector, log)
		if err != nil {
			log.Fatalw("failed to open session journal", "error", err)
		}
		defer pool.Close()
		health.AddPostgresCheck(pool, 30*time.Second, 2*time.Second)
		sessionJournal, eventLog = pg, pg
	}

	renderer, err := media.NewUDPRenderer(cfg.Render.BaseAddress, log)
	if err != nil {
		log.Fatalw("invalid render configuration", "error", err)
	}

	factory, err := webrtcinfra.NewPionFactory(webrtcinfra.ConfigFromApp(cfg), log)
	if err != nil {
		log.Fatalw("failed to set up webrtc", "error", err)
	}

	deps := webrtcinfra.Dependencies{
		Channel: channel,
		Factory: factory,
		Capture: media.NewUDPCaptureSource(media.CaptureConfig{
			CameraAddress:     cfg.Capture.CameraAddress,
			ScreenAddress:     cfg.Capture.ScreenAddress,
			MicrophoneAddress: cfg.Capture.MicrophoneAddress,
			VideoCodec:        cfg.Capture.VideoCodec,
			ScreenSurface:     cfg.Capture.ScreenSurface,
		}, log),
		Renderer: renderer,
		Observer: logObserver{logger: log},
		Metrics:  collector,
		Journal:  sessionJournal,
		Logger:   log,
	}

	supCfg := webrtcinfra.SupervisorConfig{
		GracePeriod:   cfg.Session.GracePeriod,
		RecoveryWait:  cfg.Session.RecoveryWait,
		Retry:         cfg.Session.Retry,
		RequireScreen: cfg.Session.RequireScreen,
		AutoWatch:     cfg.Agent.Mode == "dashboard",
	}

	var supervisor agentSupervisor
	switch cfg.Agent.Mode {
	case "broadcast":
		supervisor = webrtcinfra.NewBroadcastSupervisor(identity, supCfg, deps)
	case "dashboard":
		supervisor = webrtcinfra.NewViewerSupervisor(identity, supCfg, deps)
	case "voice_admin":
		supervisor = webrtcinfra.NewVoiceAdminSupervisor(identity, supCfg, deps)
	case "voice_student":
		supervisor = webrtcinfra.NewVoiceStudentSupervisor(identity, supCfg, deps)
	default:
		log.Fatalw("unknown agent mode", "mode", cfg.Agent.Mode)
	}

	if err := supervisor.Start(ctx); err != nil {
		log.Fatalw("failed to start supervisor", "error", err)
	}
	log.Infow("supervisor started", "hub", cfg.Agent.HubURL)

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
	router.GET("/live", health.Liveness)
	router.GET("/ready", health.Readiness)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	protected := router.Group("",
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(authService),
		middleware.ExamScopeMiddleware(identity.ExamID),
	)
	httphandlers.NewSessionHandler(identity, supervisor, log).WithEventLog(eventLog).SetupRoutes(protected)

	health.StartBackgroundChecks(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting agent api", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("agent api failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	if err := supervisor.Stop(shutdownCtx); err != nil {
		log.Errorw("error stopping supervisor", "error", err)
	}
	if err := sessionJournal.Close(); err != nil {
		log.Errorw("error closing session journal", "error", err)
	}
	if err := channel.Close(); err != nil {
		log.Errorw("error closing signaling channel", "error", err)
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("agent stopped")
}

func validateAgent(cfg *config.Config) error {
	if err := validation.ValidateURL(cfg.Agent.HubURL); err != nil {
		return fmt.Errorf("agent.hub_url: %w", err)
	}
	if err := validation.ValidateNonEmptyString(cfg.Agent.Mode, "agent.mode"); err != nil {
		return err
	}
	if err := validation.ValidateID(cfg.Agent.ExamID, "agent.exam_id"); err != nil {
		return err
	}
	return validation.ValidateID(cfg.Agent.ParticipantID, "agent.participant_id")
}

func roleForMode(mode string) domain.ParticipantRole {
	switch mode {
	case "broadcast", "voice_student":
		return domain.RoleStudent
	default:
		return domain.RoleAdmin
	}
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
