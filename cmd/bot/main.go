// Package main is the entrypoint for the Keyrelay bot.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keyrelay/keyrelay/internal/cache"
	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/dispatch"
	"github.com/keyrelay/keyrelay/internal/handler"
	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/middleware"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/server"
	"github.com/keyrelay/keyrelay/internal/telegram"
	"github.com/keyrelay/keyrelay/internal/upstream"
)

func main() {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)

	// Load the authorization table; startup without one is fatal
	reg := registry.New(cfg.UsersCSVPath, logger)
	if err := reg.Load(); err != nil {
		logger.Error("failed to load users file",
			slog.String("error", err.Error()),
			slog.String("path", cfg.UsersCSVPath),
		)
		os.Exit(1)
	}

	// Optional Redis-backed rate limiting
	var cacheClient *cache.Cache
	var limiter dispatch.Limiter = dispatch.AllowAll{}
	if cfg.RateLimitActive() {
		cacheClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
			)
			os.Exit(1)
		}
		limiter = cache.NewHandleLimiter(cacheClient, cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled",
			"per_minute", cfg.RateLimitPerMinute,
			"burst", cfg.RateLimitBurst,
		)
	}

	// Upstream administration API client
	upstreamClient := upstream.New(
		cfg.UpstreamBaseURL,
		cfg.UpstreamMasterKey,
		cfg.UpstreamTimeout,
		upstream.TokenDefaults{
			TeamID:    cfg.DefaultTeamID,
			Duration:  cfg.DefaultTokenDuration,
			MaxBudget: cfg.DefaultTokenBudget,
		},
		logger,
	)

	// Dispatcher and chat transport
	recorder := metrics.NewInMemory()
	dispatcher := dispatch.New(reg, upstreamClient, limiter, recorder, logger)

	bot, err := telegram.New(cfg.BotToken, dispatcher, cfg.CommandTimeout, logger)
	if err != nil {
		logger.Error("failed to connect to Telegram",
			slog.String("error", sanitizeError(err, cfg.BotToken)),
		)
		os.Exit(1)
	}

	// Ops server (health + metrics)
	router := setupRouter(reg, cacheClient, recorder, logger)
	srv := server.New(
		router,
		cfg.OpsPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Run the polling loop alongside the ops server
	botCtx, cancelBot := context.WithCancel(ctx)
	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		if err := bot.Run(botCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bot stopped with error", slog.String("error", err.Error()))
		}
	}()

	srv.OnShutdown("telegram bot", func(ctx context.Context) error {
		cancelBot()
		select {
		case <-botDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if cacheClient != nil {
		srv.OnShutdown("redis", func(ctx context.Context) error {
			return cacheClient.Close()
		})
	}

	logger.Info("starting",
		"bot_username", bot.Username(),
		"ops_port", cfg.OpsPort,
		"users", reg.Size(),
		"env", cfg.AppEnv,
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupRouter configures the chi router for the ops endpoints.
func setupRouter(
	reg *registry.Registry,
	cacheClient *cache.Cache,
	recorder metrics.Snapshotter,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	// Avoid a typed-nil interface when rate limiting is off
	var pinger handler.PingChecker
	if cacheClient != nil {
		pinger = cacheClient
	}
	healthHandler := handler.NewHealthHandler(reg, pinger)
	metricsHandler := handler.NewMetricsHandler(recorder)

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	return r
}

// sanitizeError removes secret values from error text before logging.
func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, secret, "[redacted]")
	}

	return msg
}
