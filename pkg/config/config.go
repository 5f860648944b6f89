package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"proctornet/pkg/retry"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Store selects the hub backing store: "memory" or "redis"
		Store string `yaml:"store"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Session struct {
		GracePeriod   time.Duration `yaml:"grace_period"`
		RecoveryWait  time.Duration `yaml:"recovery_wait"`
		RequireScreen bool          `yaml:"require_screen"`
		Retry         retry.Config  `yaml:"retry"`
	} `yaml:"session"`

	// Agent describes the participant a cmd/proctor process acts for
	Agent struct {
		HubURL        string `yaml:"hub_url"`
		Token         string `yaml:"token"`
		ExamID        string `yaml:"exam_id"`
		ParticipantID string `yaml:"participant_id"`
		// Mode is one of broadcast, dashboard, voice_admin, voice_student
		Mode string `yaml:"mode"`
	} `yaml:"agent"`

	Capture struct {
		CameraAddress     string `yaml:"camera_address"`
		ScreenAddress     string `yaml:"screen_address"`
		MicrophoneAddress string `yaml:"microphone_address"`
		VideoCodec        string `yaml:"video_codec"`
		// ScreenSurface is what the screen source reports; only "monitor" is accepted
		ScreenSurface string `yaml:"screen_surface"`
	} `yaml:"capture"`

	Render struct {
		// BaseAddress is host:port; each binding gets the next port up
		BaseAddress string `yaml:"base_address"`
	} `yaml:"render"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		KeyPrefix string        `yaml:"key_prefix"`
		LeaseTTL  time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`

	Journal struct {
		Enabled       bool          `yaml:"enabled"`
		DSN           string        `yaml:"dsn"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"journal"`

	TURN struct {
		Enabled  bool              `yaml:"enabled"`
		Address  string            `yaml:"address"`
		PublicIP string            `yaml:"public_ip"`
		Realm    string            `yaml:"realm"`
		Users    map[string]string `yaml:"users"`
	} `yaml:"turn"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var agentModes = map[string]bool{
	"broadcast":     true,
	"dashboard":     true,
	"voice_admin":   true,
	"voice_student": true,
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.Store != "memory" && c.Signal.Store != "redis" {
		return fmt.Errorf("signal.store must be memory or redis, got %q", c.Signal.Store)
	}
	if c.Signal.Store == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("signal.store=redis requires redis.enabled=true")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Session
	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("session.grace_period must be > 0")
	}
	if c.Session.RecoveryWait <= 0 {
		return fmt.Errorf("session.recovery_wait must be > 0")
	}
	if c.Session.Retry.MaxAttempts < 0 {
		return fmt.Errorf("session.retry.max_attempts must be >= 0")
	}
	if c.Session.Retry.InitialDelay <= 0 {
		return fmt.Errorf("session.retry.initial_delay must be > 0")
	}
	if c.Session.Retry.MaxDelay < c.Session.Retry.InitialDelay {
		return fmt.Errorf("session.retry.max_delay must be >= initial_delay")
	}

	// Agent
	if c.Agent.Mode != "" && !agentModes[c.Agent.Mode] {
		return fmt.Errorf("agent.mode %q is not supported", c.Agent.Mode)
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.LeaseTTL <= 0 {
			return fmt.Errorf("redis.lease_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Journal
	if c.Journal.Enabled {
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn must not be empty when journal.enabled=true")
		}
		if c.Journal.BatchSize <= 0 {
			return fmt.Errorf("journal.batch_size must be > 0 when journal.enabled=true")
		}
		if c.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be > 0 when journal.enabled=true")
		}
	}

	// TURN
	if c.TURN.Enabled {
		if c.TURN.Address == "" || c.TURN.PublicIP == "" {
			return fmt.Errorf("turn.address and turn.public_ip must be set when turn.enabled=true")
		}
		if len(c.TURN.Users) == 0 {
			return fmt.Errorf("turn.users must not be empty when turn.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.Store = "memory"

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Session.GracePeriod = 5 * time.Second
	cfg.Session.RecoveryWait = 10 * time.Second
	cfg.Session.Retry = retry.DefaultConfig()
	cfg.Session.Retry.MaxAttempts = 5

	cfg.Agent.HubURL = "ws://localhost:8081/ws"

	cfg.Capture.CameraAddress = "127.0.0.1:5004"
	cfg.Capture.ScreenAddress = "127.0.0.1:5006"
	cfg.Capture.MicrophoneAddress = "127.0.0.1:5008"
	cfg.Capture.VideoCodec = "vp8"
	cfg.Capture.ScreenSurface = "monitor"

	cfg.Render.BaseAddress = "127.0.0.1:6000"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SamplingRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "proctornet"
	cfg.Redis.LeaseTTL = 15 * time.Second

	cfg.Journal.Enabled = false
	cfg.Journal.BatchSize = 50
	cfg.Journal.FlushInterval = 2 * time.Second

	cfg.TURN.Enabled = false
	cfg.TURN.Address = "0.0.0.0:3478"
	cfg.TURN.Realm = "proctornet"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 4 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PROCTORNET_SERVER_ADDRESS":  &c.Server.Address,
		"PROCTORNET_SIGNAL_ADDRESS":  &c.Signal.Address,
		"PROCTORNET_SIGNAL_STORE":    &c.Signal.Store,
		"PROCTORNET_LOG_LEVEL":       &c.Logging.Level,
		"PROCTORNET_JWT_SECRET":      &c.Auth.JWTSecret,
		"PROCTORNET_REDIS_ADDRESS":   &c.Redis.Address,
		"PROCTORNET_REDIS_PASSWORD":  &c.Redis.Password,
		"PROCTORNET_JOURNAL_DSN":     &c.Journal.DSN,
		"PROCTORNET_HUB_URL":         &c.Agent.HubURL,
		"PROCTORNET_TOKEN":           &c.Agent.Token,
		"PROCTORNET_EXAM_ID":         &c.Agent.ExamID,
		"PROCTORNET_PARTICIPANT_ID":  &c.Agent.ParticipantID,
		"PROCTORNET_AGENT_MODE":      &c.Agent.Mode,
		"PROCTORNET_TURN_PUBLIC_IP":  &c.TURN.PublicIP,
		"PROCTORNET_JAEGER_ENDPOINT": &c.Tracing.JaegerEndpoint,
	}
	for key, target := range strs {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	bools := map[string]*bool{
		"PROCTORNET_REDIS_ENABLED":   &c.Redis.Enabled,
		"PROCTORNET_JOURNAL_ENABLED": &c.Journal.Enabled,
		"PROCTORNET_TURN_ENABLED":    &c.TURN.Enabled,
		"PROCTORNET_TRACING_ENABLED": &c.Tracing.Enabled,
		"PROCTORNET_REQUIRE_SCREEN":  &c.Session.RequireScreen,
	}
	for key, target := range bools {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}
