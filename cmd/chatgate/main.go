package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cganthropic "github.com/Strob0t/ChatGate/internal/adapter/anthropic"
	cghttp "github.com/Strob0t/ChatGate/internal/adapter/http"
	cgnats "github.com/Strob0t/ChatGate/internal/adapter/nats"
	"github.com/Strob0t/ChatGate/internal/adapter/natskv"
	cgotel "github.com/Strob0t/ChatGate/internal/adapter/otel"
	cgopenai "github.com/Strob0t/ChatGate/internal/adapter/openai"
	"github.com/Strob0t/ChatGate/internal/adapter/postgres"
	"github.com/Strob0t/ChatGate/internal/adapter/ristretto"
	"github.com/Strob0t/ChatGate/internal/adapter/tiered"
	"github.com/Strob0t/ChatGate/internal/adapter/ws"
	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/logger"
	"github.com/Strob0t/ChatGate/internal/port/cache"
	"github.com/Strob0t/ChatGate/internal/port/provider"
	"github.com/Strob0t/ChatGate/internal/resilience"
	"github.com/Strob0t/ChatGate/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"providers", len(cfg.Providers),
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := cgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	shutdownOtel, err := cgotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}()

	metrics, err := cgotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	l1, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	// User lookups are cached in-process (L1) with a shared NATS KV level
	// behind it, so replicas see billing updates without waiting out the TTL.
	var userCache cache.Cache = l1
	if kv, err := queue.KeyValue(ctx, "chatgate-users", cfg.Cache.UserTTL); err != nil {
		slog.Warn("nats kv unavailable, user cache is in-process only", "error", err)
	} else {
		userCache = tiered.New(l1, natskv.New(kv), cfg.Cache.UserTTL)
	}

	// --- Services ---

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	store := postgres.NewStore(pool)
	authSvc := service.NewAuthService(store, &cfg.Auth, userCache, cfg.Cache.UserTTL)
	formatter := service.NewFormatter(cfg.Chat)
	chatSvc := service.NewChatService(store, authSvc, formatter, &cfg.Chat, queue, hub, metrics)
	for _, pcfg := range cfg.Providers {
		if pcfg.APIKey == "" {
			slog.Warn("provider has no API key, skipping", "provider", pcfg.Name)
			continue
		}
		chatSvc.RegisterProvider(pcfg, newAdapter(pcfg, cfg))
		slog.Info("provider registered", "provider", pcfg.Name, "api", pcfg.API, "streaming", pcfg.Streaming)
	}
	convSvc := service.NewConversationService(store, chatSvc, &cfg.Chat, hub)

	// --- HTTP ---

	handlers := &cghttp.Handlers{
		Auth:          authSvc,
		Chat:          chatSvc,
		Conversations: convSvc,
		Cfg:           cfg,
		Pool:          pool,
		Queue:         queue,
	}
	router := cghttp.NewRouter(handlers, authSvc, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat responses are long-lived event streams.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newAdapter builds the provider adapter for one endpoint, with a circuit
// breaker on upstream calls.
func newAdapter(pcfg provider.Config, cfg *config.Config) provider.Adapter {
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	switch pcfg.API {
	case "anthropic":
		a := cganthropic.New(pcfg, cfg.Chat.MaxTokens)
		a.SetBreaker(breaker)
		return a
	default:
		a := cgopenai.New(pcfg, cfg.Chat.ChunkSize, cfg.Chat.ChunkDelay)
		a.SetBreaker(breaker)
		return a
	}
}
