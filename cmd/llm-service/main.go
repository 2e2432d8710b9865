package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/xynenyx/llm-service/config"
	"github.com/xynenyx/llm-service/internal/cache"
	"github.com/xynenyx/llm-service/internal/orchestrator"
	"github.com/xynenyx/llm-service/internal/provider"
	"github.com/xynenyx/llm-service/internal/provider/anthropic"
	"github.com/xynenyx/llm-service/internal/provider/gemini"
	"github.com/xynenyx/llm-service/internal/provider/openai"
	"github.com/xynenyx/llm-service/internal/registry"
	"github.com/xynenyx/llm-service/internal/server"
	"github.com/xynenyx/llm-service/internal/telemetry"
	"github.com/xynenyx/llm-service/internal/usage"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx := context.Background()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, "llm-service", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	log.Info("PostgreSQL connected")

	// 4. Connect Redis (optional)
	var rdb *redis.Client
	var completionCache *cache.CompletionCache
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		log.Info("Redis connected")
		completionCache = cache.NewCompletionCache(rdb, cfg.CacheTTL, log)
	}

	// 5. Init usage store and recorder
	usageStore := usage.NewPostgresStore(pool)
	if err := usageStore.InitSchema(ctx); err != nil {
		log.Error("failed to init usage schema", "error", err)
		os.Exit(1)
	}
	recorder := usage.NewRecorder(usageStore, log,
		usage.WithQueueSize(cfg.UsageQueueSize),
		usage.WithMaxTries(cfg.UsageMaxTries),
	)
	defer recorder.Close()

	// 6. Init providers and registry
	providers := []provider.Provider{
		openai.New(cfg.OpenAIAPIKey, cfg.OpenAIEnabled),
		anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicEnabled),
		gemini.New(cfg.GeminiAPIKey, cfg.GeminiEnabled),
	}
	reg, err := registry.New(cfg.DefaultProvider, providers...)
	if err != nil {
		log.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	// 7. Init orchestrator
	tracer := otel.GetTracerProvider().Tracer("llm-service")
	orch := orchestrator.New(reg, recorder, orchestrator.Options{
		Cache:          completionCache,
		RequestTimeout: cfg.RequestTimeout,
		StreamTimeout:  cfg.StreamTimeout,
		Tracer:         tracer,
		Logger:         log,
	})

	// 8. Init handler and router
	checks := []server.ReadyCheck{
		{Name: "postgres", Check: pool.Ping},
	}
	if rdb != nil {
		checks = append(checks, server.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	handler := server.NewHandler(orch, reg, usageStore, log, checks...)
	router := server.NewRouter(handler)

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("LLM service starting", "port", cfg.Port, "default_provider", cfg.DefaultProvider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
