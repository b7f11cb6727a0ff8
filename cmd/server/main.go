// Echo - AI Briefing Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/echo-briefing/internal/api"
	"github.com/ashureev/echo-briefing/internal/briefing"
	"github.com/ashureev/echo-briefing/internal/config"
	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/ashureev/echo-briefing/internal/gateway"
	"github.com/ashureev/echo-briefing/internal/health"
	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/ashureev/echo-briefing/internal/imagestore"
	"github.com/ashureev/echo-briefing/internal/janitor"
	"github.com/ashureev/echo-briefing/internal/middleware"
	"github.com/ashureev/echo-briefing/internal/realtime"
	"github.com/ashureev/echo-briefing/internal/store"
	"github.com/ashureev/echo-briefing/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const grpcHealthInterval = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	images, err := imagestore.New(cfg.ImagesDir, logger)
	if err != nil {
		slog.Error("Failed to initialize image store", "error", err)
		os.Exit(1)
	}

	var gw gateway.Gateway = gateway.Unconfigured{}
	if cfg.ModelConfigured() {
		openAI, err := gateway.NewOpenAI(gateway.OpenAIConfig{
			APIKey:     cfg.Model.APIKey,
			BaseURL:    cfg.Model.BaseURL,
			TextModel:  cfg.Model.TextModel,
			ImageModel: cfg.Model.ImageModel,
			Timeout:    cfg.Model.Timeout,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize model gateway", "error", err)
			os.Exit(1)
		}
		gw = openAI
		slog.Info("Model gateway ready", "text_model", cfg.Model.TextModel, "image_model", cfg.Model.ImageModel)
	} else {
		slog.Warn("OPENAI_API_KEY not set, briefing replies will report that the service is not configured")
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Add("database", repo)

	// Realtime fan-out: Redis when configured, in-process otherwise.
	var broker realtime.Broker
	realtimeMode := "local"
	if cfg.RedisURL != "" {
		client, err := realtime.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Debug("Failed to close Redis client", "error", closeErr)
			}
		}()
		broker = realtime.NewRedisBroker(client, logger)
		realtimeMode = "redis"
		checker.Add("redis", health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	hub := realtime.NewHub(broker, logger)
	if err := hub.Start(ctx); err != nil {
		slog.Error("Failed to start realtime hub", "error", err)
		os.Exit(1)
	}
	slog.Info("Realtime hub started", "mode", realtimeMode)

	// Initialize services.
	engine := briefing.NewEngine(gw, images, logger)
	svc := delivery.NewService(engine, repo, logger)
	runner, err := delivery.NewRunner(svc, repo, hub, delivery.RunnerConfig{
		PoolSize: cfg.Workers.PoolSize,
		JobTTL:   cfg.Workers.JobTTL,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize job runner", "error", err)
		os.Exit(1)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer rateLimiter.Stop()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(checker)
	accountHandler := api.NewAccountHandler(repo, cfg, realtimeMode)
	briefingHandler := api.NewBriefingHandler(svc, runner, cfg.MaxRequestBodySize, logger)
	wsHandler := realtime.NewWebSocketHandler(hub, runner, repo, cfg.CORSAllowedOrigins, cfg.IsDevelopment(), logger)
	sseHandler := realtime.NewSSEHandler(hub, cfg.SSEKeepalive, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	accountHandler.RegisterRoutes(r)

	// Model-backed routes are throttled per user.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(rateLimiter))
		briefingHandler.RegisterRoutes(r)
	})

	r.Handle(imagestore.URLPrefix+"*", images.Handler())

	// Realtime endpoints.
	r.Get("/ws/briefing", wsHandler.ServeHTTP)
	r.Get("/sse/briefing", sseHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Model calls can take minutes; no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	janitor.New(repo, janitor.Evicters{svc, hub}, cfg.Workers.SessionIdleTTL, logger).Start(ctx, janitor.DefaultInterval)

	var grpcHealth *health.GRPCServer
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		grpcHealth = health.NewGRPCServer(checker, logger)
		grpcHealth.Watch(ctx, grpcHealthInterval)
		go func() {
			slog.Info("gRPC health listening", "addr", cfg.GRPCHealthAddr)
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := runner.Close(shutdownCtx); err != nil {
		slog.Warn("Background jobs did not finish before shutdown", "error", err)
	}
	if err := hub.Close(); err != nil {
		slog.Debug("Failed to close realtime hub", "error", err)
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	slog.Info("Server stopped successfully")
}
