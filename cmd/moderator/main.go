// Moderator server - real-time chat moderation pipeline with HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamguard/moderator/pkg/api"
	"github.com/streamguard/moderator/pkg/config"
	"github.com/streamguard/moderator/pkg/decision"
	"github.com/streamguard/moderator/pkg/filter"
	"github.com/streamguard/moderator/pkg/hub"
	"github.com/streamguard/moderator/pkg/llm"
	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/notify"
	"github.com/streamguard/moderator/pkg/orchestrator"
	"github.com/streamguard/moderator/pkg/patterns"
	"github.com/streamguard/moderator/pkg/ratelimit"
	"github.com/streamguard/moderator/pkg/sim"
	"github.com/streamguard/moderator/pkg/templates"
	"github.com/streamguard/moderator/pkg/version"
	"github.com/streamguard/moderator/pkg/violations"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStartupError = 2
	exitRuntimeFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file loaded, using existing environment", "path", envPath)
	}

	slog.Info("Starting moderator", "version", version.Full())

	cfg, err := config.Load(filepath.Join(*configDir, "moderator.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return exitConfigError
	}

	matcher, err := patterns.Load(cfg.Patterns.File)
	if err != nil {
		slog.Error("Failed to load pattern rules", "error", err)
		return exitConfigError
	}

	registry, err := templates.Load(cfg.Templates.File)
	if err != nil {
		slog.Error("Failed to load prompt templates", "error", err)
		return exitConfigError
	}
	if !registry.Has(cfg.Templates.Default) {
		slog.Error("Default template not registered", "template", cfg.Templates.Default)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rate-limit backing: in-process by default, Redis when configured.
	var limiter ratelimit.Store
	if cfg.RateLimit.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(ctx, cfg.RateLimit.RedisURL, cfg.Filter.Window(), cfg.Filter.MaxPerWindow)
		if err != nil {
			slog.Error("Failed to connect to Redis rate-limit store", "error", err)
			return exitStartupError
		}
		defer func() { _ = redisStore.Close() }()
		limiter = redisStore
		slog.Info("Rate limiting backed by Redis")
	} else {
		limiter = ratelimit.NewMemoryStore(cfg.Filter.Window(), cfg.Filter.MaxPerWindow)
	}

	// Violation store: Postgres when configured, in-memory otherwise.
	var store violations.Store
	var pgStore *violations.PostgresStore
	if cfg.Violations.StoreURL != "" {
		pgStore, err = violations.NewPostgresStore(ctx, violations.PostgresConfig{
			URL: cfg.Violations.StoreURL,
		})
		if err != nil {
			slog.Error("Failed to connect to violation store", "error", err)
			return exitStartupError
		}
		defer func() { _ = pgStore.Close() }()
		store = pgStore
		go violations.RunRetentionSweep(ctx, pgStore, cfg.Violations.Retention())
		slog.Info("Violation store backed by PostgreSQL")
	} else {
		store = violations.NewMemoryStore(cfg.Violations.Retention())
		slog.Warn("Violation store is in-memory; violations are lost on restart")
	}

	m := metrics.New()

	llmClient := llm.NewClient(llm.Config{
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		APIKey:      os.Getenv(cfg.LLM.APIKeyEnv),
		HardCap:     cfg.LLM.Timeout(),
		MaxRetries:  cfg.LLM.MaxRetries,
		RetryBase:   cfg.LLM.RetryBase(),
		Concurrency: int64(cfg.LLM.Concurrency),
		Breaker: llm.BreakerConfig{
			FailureRatio: cfg.Circuit.FailureRatio,
			MinSamples:   cfg.Circuit.MinSamples,
			Cooldown:     cfg.Circuit.Cooldown(),
			ProbeMax:     cfg.Circuit.ProbeMax,
		},
	}, m)

	f := filter.New(limiter, matcher, cfg.Filter.IsEnabled())

	eventHub := hub.New(cfg.Session.QueueSize, m)
	go eventHub.Run(ctx)

	var notifier *notify.Service
	if cfg.Notifications.IsEnabled() {
		notifier = notify.NewService(cfg.Notifications.URL, m)
	}

	decisions := decision.NewHandler(store, notifier, eventHub, m)

	orch := orchestrator.New(orchestrator.Config{
		DefaultTemplate: cfg.Templates.Default,
		Deadline:        cfg.Pipeline.Deadline(),
		DedupWindow:     cfg.Pipeline.DedupWindow(),
		MaxTokens:       cfg.Pipeline.MaxTokens,
		Temperature:     cfg.Pipeline.Temperature,
	}, f, registry, llmClient, store, decisions, m)

	simulator := sim.New(sim.Config{
		MessagesPerSecond: cfg.Sim.MessagesPerSecond,
		Users:             cfg.Sim.Users,
	}, orch)
	defer simulator.StopAll()

	server := api.NewServer(cfg, orch, f, registry, decisions, eventHub, llmClient, simulator, m)
	if pgStore != nil {
		server.SetDB(pgStore.DB())
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- server.Start(addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			return exitRuntimeFatal
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
		return exitRuntimeFatal
	}

	slog.Info("Moderator stopped")
	return exitOK
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
