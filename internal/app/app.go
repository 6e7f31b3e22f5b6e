package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ichi0g0y/goose-taps/internal/env"
	"github.com/ichi0g0y/goose-taps/internal/leaderboard"
	"github.com/ichi0g0y/goose-taps/internal/localdb"
	"github.com/ichi0g0y/goose-taps/internal/roundcache"
	"github.com/ichi0g0y/goose-taps/internal/rounds"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/tapbuffer"
	"go.uber.org/zap"
)

// App は各コンポーネントを依存順（store -> cache -> taps -> rounds）に束ねる
type App struct {
	Store  *localdb.Store
	Cache  *roundcache.Cache
	Taps   *tapbuffer.Aggregator
	Board  *leaderboard.Board
	Rounds *rounds.Service
}

// Setup builds the application from env.Value. The aggregator is started.
func Setup(ctx context.Context, cfg env.EnvValue) (*App, error) {
	if _, err := localdb.SetupDB(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("failed to setup database: %w", err)
	}

	a := &App{Store: localdb.NewStore()}

	if cfg.RedisAddr != "" {
		board := leaderboard.New(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := board.Ping(ctx); err != nil {
			logger.Warn("Redis unavailable, leaderboard mirror disabled",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err))
			_ = board.Close()
		} else {
			a.Board = board
			logger.Info("Leaderboard mirror enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	a.Cache = roundcache.New(a.Store, roundcache.Options{
		TTL:          cfg.RoundCacheTTL,
		CooldownLead: cfg.CooldownLead,
	})

	tapOpts := tapbuffer.Options{
		BlockSize: cfg.TapBlockSize,
		IdleTTL:   cfg.TapSweepInterval,
		WheelTick: cfg.TapWheelTick,
		Retries:   cfg.TapFlushRetries,
		RetryWait: cfg.TapFlushRetryWait,
	}
	if a.Board != nil {
		tapOpts.OnFlushed = a.Board.Record
	}
	taps, err := tapbuffer.New(a.Store, a.Cache, tapOpts)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.Taps = taps
	a.Taps.Start()

	roundOpts := rounds.Options{
		RoundDuration:   cfg.RoundDuration,
		CooldownLead:    cfg.CooldownLead,
		ZeroWeightUsers: cfg.ZeroWeightUsers,
	}
	if a.Board != nil {
		roundOpts.Leaderboard = a.Board
	}
	a.Rounds = rounds.New(a.Store, a.Cache, a.Taps, roundOpts)

	return a, nil
}

// Shutdown drains buffered taps, then closes Redis and the database.
func (a *App) Shutdown(ctx context.Context) error {
	var flushErr error
	if a.Taps != nil {
		flushErr = a.Taps.Close(ctx)
	}
	a.closeResources()
	return flushErr
}

func (a *App) closeResources() {
	if a.Board != nil {
		if err := a.Board.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := localdb.CloseDB(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}
