package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/server"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/logging"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/redis"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Bool("internal", cfg.RunAsInternal).
		Msg("starting edge gateway")

	shutdownTracer, err := telemetry.InitTracer("edge-gateway", cfg.TracingExporter, os.Stdout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown error")
		}
	}()

	deps := server.Deps{Logger: logger}

	// Redis is optional: without it counters and cache stay in-process
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid Redis configuration")
		}
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable at startup, stages will fail open until it recovers")
		} else {
			logger.Info().Msg("connected to Redis")
		}
		cancel()
		deps.Redis = redisClient
	}

	// Postgres backs API key lookup and usage records
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		logger.Info().Msg("connected to PostgreSQL")
		deps.DB = db
	}

	gw, err := server.New(cfg, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}
	logger.Info().Strs("stages", gw.Stages()).Msg("pipeline ready")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("usage queue not fully drained")
	}

	logger.Info().Msg("server stopped")
}
