// Package config loads the sidecar's runtime configuration from the
// environment, following the same typed-getter idiom the rest of this
// codebase's ancestry uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the sidecar's runtime tunables: server/CORS settings,
// upstream connection parameters, and the order-tracking and retry/
// circuit-breaker knobs the exchange client and order tracker need.
type Config struct {
	Environment string
	Debug       bool
	Host        string
	Port        int

	UpstreamBaseURL string
	UpstreamTestnet bool

	CORSOrigins        []string
	APIKeyHeader       string
	RateLimitPerMinute int

	LogLevel string

	ChatBotToken string

	// LinkStoreURL doubles as the persistence-layer DSN: a bare path is
	// treated as a sqlite file, a postgres://... URL selects the
	// postgres driver (see internal/database).
	LinkStoreURL string

	// Exchange client tunables: sliding-window rate limit, retry count
	// and backoff bounds, circuit breaker thresholds.
	MaxRequestsPerSecond int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
	CircuitHalfOpenMaxCalls int

	// Order tracker tunables.
	TrackingDuration    time.Duration
	PollingInterval     time.Duration
	WebsocketTimeout    time.Duration
	MaxConcurrentOrders int
	TrackerCleanupEvery time.Duration
	TrackerMaxAge       time.Duration

	// Default notification floor, used to seed MinNotificationValue
	// when a chat is linked for the first time (see database.New).
	DefaultMinNotificationValue float64
}

// Load reads a .env file if present, then overlays process environment
// variables via godotenv.Load()-then-os.Getenv.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Debug:       getEnvBool("DEBUG", true),
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 8081),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://api.hyperliquid-testnet.xyz"),
		UpstreamTestnet: getEnvBool("UPSTREAM_TESTNET", true),

		CORSOrigins:        getEnvStringList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		APIKeyHeader:       getEnv("API_KEY_HEADER", "X-API-Key"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 100),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ChatBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		LinkStoreURL: getEnv("LINK_STORE_URL", "data/sidecar.db"),

		MaxRequestsPerSecond:    getEnvInt("MAX_REQUESTS_PER_SECOND", 10),
		MaxRetries:              getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:          getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:           getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitRecoveryTimeout:  getEnvDuration("CIRCUIT_RECOVERY_TIMEOUT", 60*time.Second),
		CircuitHalfOpenMaxCalls: getEnvInt("CIRCUIT_HALF_OPEN_MAX_CALLS", 3),

		TrackingDuration:    getEnvDuration("TRACKING_DURATION", time.Hour),
		PollingInterval:     getEnvDuration("POLLING_INTERVAL", 12*time.Second),
		WebsocketTimeout:    getEnvDuration("WEBSOCKET_TIMEOUT", 30*time.Second),
		MaxConcurrentOrders: getEnvInt("MAX_CONCURRENT_ORDERS", 1000),
		TrackerCleanupEvery: getEnvDuration("TRACKER_CLEANUP_EVERY", 60*time.Second),
		TrackerMaxAge:       getEnvDuration("TRACKER_MAX_AGE", time.Hour),

		DefaultMinNotificationValue: getEnvFloat("DEFAULT_MIN_NOTIFICATION_VALUE", 0),
	}

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvStringList parses a comma-separated env value. Grounded in the
// original source's parse_cors_origins field validator; reimplemented
// with strings.Split since this module has no pydantic-style validator
// pipeline to hang a custom coercion off of (stdlib only).
func getEnvStringList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
