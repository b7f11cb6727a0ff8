package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "FRONTEND_URL", "OPENAI_API_KEY", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelConfigured() {
		t.Error("ModelConfigured() = true without a key")
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false without FRONTEND_URL")
	}
	if cfg.Workers.JobTTL != 24*time.Hour {
		t.Errorf("JobTTL = %v", cfg.Workers.JobTTL)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://echo.example")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MODEL_TIMEOUT", "45s")
	t.Setenv("WORKER_POOL_SIZE", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ACCESS_LOG", "off")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true for a public frontend")
	}
	if !cfg.ModelConfigured() || cfg.Model.Timeout != 45*time.Second {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Workers.PoolSize != 3 {
		t.Errorf("PoolSize = %d", cfg.Workers.PoolSize)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.AccessLog {
		t.Error("AccessLog = true")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"WORKER_POOL_SIZE", "0"},
		{"LOG_LEVEL", "verbose"},
		{"RATE_LIMIT_WINDOW", "-1s"},
		{"DB_PATH", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if lvl, err := ParseLevel("WARN"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("ParseLevel(WARN) = %v, %v", lvl, err)
	}
}
