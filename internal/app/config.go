package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/pipeline"
)

type Config struct {
	BaseURL     string // REST API root (default: http://localhost:8080)
	RealtimeURL string // Optional: WebSocket endpoint, realtime is disabled when empty
	Username    string // Optional: used to log in when the store holds no credentials
	Password    string

	StoreDriver    string // memory, sqlite, redis, keyring (default: memory)
	DatabaseFile   string // sqlite store path (default: sessionkeeper.db)
	RedisAddr      string // redis store address (default: localhost:6379)
	RedisKey       string // Optional: redis key holding the pair
	KeyringService string // keyring service name (default: sessionkeeper)

	Renewer            string // json or oauth2 (default: json)
	OAuth2TokenURL     string // Optional: defaults to BaseURL + /oauth2/token
	OAuth2ClientID     string
	OAuth2ClientSecret string

	RefreshMaxFailures int           // consecutive failures before forced logout (default: 3)
	RefreshCooldown    time.Duration // minimum gap between renewals (default: 1s)
	RefreshTimeout     time.Duration // single renewal timeout (default: 10s)

	CheckInterval        time.Duration // realtime token check interval (default: 60s)
	RenewThreshold       time.Duration // proactive renewal threshold (default: 5m)
	BackoffBase          time.Duration // first reconnect delay (default: 1s)
	BackoffMax           time.Duration // reconnect delay ceiling (default: 30s)
	MaxReconnectAttempts int           // backoff reconnects before giving up (default: 10)

	PollPath     string        // REST endpoint polled to keep the session in use (default: /api/me)
	PollInterval time.Duration // 0 disables polling (default: 30s)

	RateLimit pipeline.RateLimitConfig

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	MetricsPort         int           // Prometheus port, 0 disables (default: 9090)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	cfg := Config{
		BaseURL:     getEnvOrDefault("SESSION_API_URL", "http://localhost:8080"),
		RealtimeURL: os.Getenv("SESSION_REALTIME_URL"),
		Username:    os.Getenv("SESSION_USERNAME"),
		Password:    os.Getenv("SESSION_PASSWORD"),

		StoreDriver:    getEnvOrDefault("SESSION_STORE", "memory"),
		DatabaseFile:   getEnvOrDefault("SESSION_DATABASE_FILE", "sessionkeeper.db"),
		RedisAddr:      getEnvOrDefault("SESSION_REDIS_ADDR", "localhost:6379"),
		RedisKey:       os.Getenv("SESSION_REDIS_KEY"),
		KeyringService: getEnvOrDefault("SESSION_KEYRING_SERVICE", "sessionkeeper"),

		Renewer:            getEnvOrDefault("SESSION_RENEWER", "json"),
		OAuth2TokenURL:     os.Getenv("SESSION_OAUTH2_TOKEN_URL"),
		OAuth2ClientID:     os.Getenv("SESSION_OAUTH2_CLIENT_ID"),
		OAuth2ClientSecret: os.Getenv("SESSION_OAUTH2_CLIENT_SECRET"),

		RefreshMaxFailures: getEnvIntOrDefault("SESSION_REFRESH_MAX_FAILURES", 3),
		RefreshCooldown:    getEnvDurationOrDefault("SESSION_REFRESH_COOLDOWN", time.Second),
		RefreshTimeout:     getEnvDurationOrDefault("SESSION_REFRESH_TIMEOUT", 10*time.Second),

		CheckInterval:        getEnvDurationOrDefault("SESSION_CHECK_INTERVAL", 60*time.Second),
		RenewThreshold:       getEnvDurationOrDefault("SESSION_RENEW_THRESHOLD", 5*time.Minute),
		BackoffBase:          getEnvDurationOrDefault("SESSION_BACKOFF_BASE", time.Second),
		BackoffMax:           getEnvDurationOrDefault("SESSION_BACKOFF_MAX", 30*time.Second),
		MaxReconnectAttempts: getEnvIntOrDefault("SESSION_MAX_RECONNECTS", 10),

		PollPath:     getEnvOrDefault("SESSION_POLL_PATH", "/api/me"),
		PollInterval: getEnvDurationOrDefault("SESSION_POLL_INTERVAL", 30*time.Second),

		RateLimit: pipeline.ParseRateLimitFromEnv("OUTBOUND", pipeline.DefaultOutboundLimit),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		MetricsPort:         getEnvIntOrDefault("METRICS_PORT", 9090),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if cfg.OAuth2TokenURL == "" {
		cfg.OAuth2TokenURL = cfg.BaseURL + "/oauth2/token"
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
