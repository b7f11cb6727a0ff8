// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	ImagesDir          string
	LogLevel           string
	AccessLog          bool
	MaxRequestBodySize int64
	CORSAllowedOrigins []string
	GRPCHealthAddr     string
	RedisURL           string
	SSEKeepalive       time.Duration
	Model              ModelConfig
	Workers            WorkerConfig
	RateLimit          RateLimitConfig
}

// ModelConfig configures the model provider.
type ModelConfig struct {
	APIKey     string
	BaseURL    string
	TextModel  string
	ImageModel string
	Timeout    time.Duration
}

// WorkerConfig sizes background work and the TTLs the janitor enforces.
type WorkerConfig struct {
	PoolSize       int
	SessionIdleTTL time.Duration
	JobTTL         time.Duration
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontendURL := getEnv("FRONTEND_URL", "")
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        frontendURL,
		DBPath:             getEnv("DB_PATH", "./data/echo.db"),
		ImagesDir:          getEnv("IMAGES_DIR", "./data/generated_images"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AccessLog:          getEnvBool("ACCESS_LOG", true),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 10<<20)),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", defaultOrigins(frontendURL)),
		GRPCHealthAddr:     getEnv("GRPC_HEALTH_ADDR", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		SSEKeepalive:       getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
		Model: ModelConfig{
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			BaseURL:    getEnv("OPENAI_BASE_URL", ""),
			TextModel:  getEnv("TEXT_MODEL", "gpt-4o"),
			ImageModel: getEnv("IMAGE_MODEL", "dall-e-3"),
			Timeout:    getEnvDuration("MODEL_TIMEOUT", 2*time.Minute),
		},
		Workers: WorkerConfig{
			PoolSize:       getEnvInt("WORKER_POOL_SIZE", 8),
			SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
			JobTTL:         getEnvDuration("JOB_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ImagesDir == "" {
		return fmt.Errorf("IMAGES_DIR cannot be empty")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.SSEKeepalive <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	if c.Model.Timeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0")
	}
	if c.Workers.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Workers.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ModelConfigured reports whether provider credentials are present.
func (c *Config) ModelConfigured() bool {
	return c.Model.APIKey != ""
}

// ParseLevel maps LOG_LEVEL onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", level)
	}
}

func defaultOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"http://localhost:5173", "http://localhost:8080"}
	}
	return []string{frontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
