package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ishenwei/smart-trip-quote/internal/cache"
	"github.com/ishenwei/smart-trip-quote/internal/clarify"
	"github.com/ishenwei/smart-trip-quote/internal/config"
	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/httpapi"
	"github.com/ishenwei/smart-trip-quote/internal/observability"
	"github.com/ishenwei/smart-trip-quote/internal/persistence"
	"github.com/ishenwei/smart-trip-quote/internal/pipeline"
	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "warning: .env file not found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()
	manager := config.NewManager(cfg, config.Load)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Per-call deadlines come from each provider's timeout.
	upstreamHTTPClient := &http.Client{Transport: transport}
	registry := provider.NewRegistry(manager, provider.Deps{
		HTTPClient: upstreamHTTPClient,
		Observer:   metrics.ObserveUpstream,
	})

	limiter := ratelimit.New(cfg.RateLimit)

	local := cache.New()
	var remote cache.Remote
	if cfg.RedisAddr != "" {
		rdb, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("redis unavailable, using in-process cache only", "error", err)
		} else {
			defer func() { _ = rdb.Close() }()
			remote = cache.NewRedisStore(rdb, "")
			logger.Info("redis cache enabled", "addr", cfg.RedisAddr)
		}
	}
	responses := cache.NewLayered(local, remote, logger)

	conversations := conversation.NewStore()
	clarifier := clarify.NewHandler(conversations, cfg.MaxClarificationRetries, clarify.WithLogger(logger))

	store, err := persistence.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Error("persistence unavailable", "error", err)
		os.Exit(1)
	}
	var persister pipeline.Persister
	var requirements httpapi.RequirementReader
	if store != nil {
		defer func() { _ = store.Close() }()
		persister = store
		requirements = store
	} else {
		logger.Warn("DATABASE_DSN not set, persistence disabled")
	}

	pipelineService := pipeline.New(pipeline.Dependencies{
		Providers: registry,
		Limiter:   limiter,
		Cache:     responses,
		Clarifier: clarifier,
		Store:     persister,
		Reloader:  manager,
		Metrics:   metrics,
		Logger:    logger,
	})

	metrics.RegisterGauge("tripquote_conversations_active", "Conversations currently tracked.", func() float64 {
		return float64(conversations.Count())
	})
	metrics.RegisterGauge("tripquote_cache_entries", "Entries in the in-process response cache.", func() float64 {
		return float64(local.Stats().Entries)
	})

	go local.Run(ctx, cfg.CacheCleanupInterval, func(removed int) {
		if removed > 0 {
			logger.Info("cache_cleanup", "removed", removed)
		}
	})
	go limiter.Run(ctx, cfg.CacheCleanupInterval, func(removed int) {
		if removed > 0 {
			logger.Info("rate_limit_cleanup", "removed", removed)
		}
	})
	go conversations.Run(ctx, cfg.ConversationCleanupInterval, func(removed int) {
		if removed > 0 {
			logger.Info("conversation_cleanup", "removed", removed)
		}
	})

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Pipeline:       pipelineService,
		Requirements:   requirements,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       35 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "providers", len(cfg.ConfiguredProviders()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
