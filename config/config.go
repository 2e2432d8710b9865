package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is loaded once at startup and treated as immutable for the process
// lifetime.
type Config struct {
	// Server
	Port     string // default: 8080
	LogLevel string // default: info

	// Database
	PostgresDSN string

	// Cache; empty RedisAddr disables the completion cache
	RedisAddr string
	CacheTTL  time.Duration // default: 1h

	// Providers
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GeminiAPIKey     string
	OpenAIEnabled    bool
	AnthropicEnabled bool
	GeminiEnabled    bool
	DefaultProvider  string // default: openai

	// Timeouts
	RequestTimeout time.Duration // default: 60s
	StreamTimeout  time.Duration // default: 300s

	// Usage recorder
	UsageQueueSize  int  // default: 256
	UsageMaxTries   uint // default: 3

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		DefaultProvider:      getEnv("DEFAULT_PROVIDER", "openai"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.OpenAIEnabled, err = getBool("OPENAI_ENABLED", cfg.OpenAIAPIKey != ""); err != nil {
		return nil, err
	}
	if cfg.AnthropicEnabled, err = getBool("ANTHROPIC_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.GeminiEnabled, err = getBool("GEMINI_ENABLED", false); err != nil {
		return nil, err
	}

	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.StreamTimeout, err = getDuration("STREAM_TIMEOUT", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}

	queueSize, err := getInt("USAGE_QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	cfg.UsageQueueSize = queueSize

	maxTries, err := getInt("USAGE_MAX_TRIES", 3)
	if err != nil {
		return nil, err
	}
	cfg.UsageMaxTries = uint(maxTries)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if !cfg.OpenAIEnabled && !cfg.AnthropicEnabled && !cfg.GeminiEnabled {
		return nil, fmt.Errorf("at least one provider must be enabled")
	}
	switch cfg.DefaultProvider {
	case "openai", "anthropic", "gemini":
	default:
		return nil, fmt.Errorf("unknown DEFAULT_PROVIDER %q", cfg.DefaultProvider)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
