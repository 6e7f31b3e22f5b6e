package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/app"
	"github.com/ichi0g0y/goose-taps/internal/env"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/version"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger.Init(false)
	defer logger.Sync()

	logger.Info("Starting goose-taps server", zap.String("version", version.String()))

	env.LoadEnv()
	if env.Value.DebugMode {
		logger.Init(true)
		logger.Info("Debug mode enabled")
	}

	a, err := app.Setup(context.Background(), env.Value)
	if err != nil {
		logger.Fatal("Failed to setup application", zap.Error(err))
	}

	logger.Info("Server started",
		zap.String("db", env.Value.DBPath),
		zap.Duration("round_cache_ttl", env.Value.RoundCacheTTL),
		zap.Duration("cooldown", env.Value.CooldownLead),
		zap.Duration("round_duration", env.Value.RoundDuration),
		zap.Int64("tap_block_size", env.Value.TapBlockSize),
		zap.Bool("leaderboard", a.Board != nil))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("Some taps could not be persisted", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
