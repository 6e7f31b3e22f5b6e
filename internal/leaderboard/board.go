// Package leaderboard mirrors flushed tap counts into a Redis sorted set per
// round. SQLite stays the source of truth; the mirror is best effort.
//
// A round whose mirror missed a delta is marked dirty and Top reports it as
// incomplete until the round is deleted, so readers fall back to SQLite.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/types"
	"go.uber.org/zap"
)

const defaultRetention = 24 * time.Hour

// ErrMirrorIncomplete は Redis 側の集計が SQLite と一致している保証がない場合に返す
var ErrMirrorIncomplete = errors.New("leaderboard mirror incomplete")

type Board struct {
	client    *redis.Client
	retention time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
}

func New(opt *redis.Options) *Board {
	return &Board{
		client:    redis.NewClient(opt),
		retention: defaultRetention,
		dirty:     make(map[string]struct{}),
	}
}

func roundKey(roundID string) string {
	return "round:" + roundID + ":taps"
}

// Ping checks connectivity; callers disable the mirror when it fails.
func (b *Board) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Record adds delta to the user's score in the round's sorted set.
// Its signature matches tapbuffer.FlushHook.
func (b *Board) Record(ctx context.Context, roundID, userID string, delta int64) {
	key := roundKey(roundID)
	pipe := b.client.TxPipeline()
	pipe.ZIncrBy(ctx, key, float64(delta), userID)
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("Failed to mirror taps to leaderboard, marking round dirty",
			zap.String("round_id", roundID),
			zap.String("user_id", userID),
			zap.Int64("delta", delta),
			zap.Error(err))
		b.markDirty(roundID)
		// 部分的な集計を他プロセスに見せないよう消しておく（失敗しても dirty で弾く）
		_ = b.client.Del(ctx, key).Err()
	}
}

func (b *Board) markDirty(roundID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty[roundID] = struct{}{}
}

func (b *Board) isDirty(roundID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dirty[roundID]
	return ok
}

// Top returns up to n users with the highest mirrored tap counts.
// It returns ErrMirrorIncomplete when the round is dirty or its key is gone
// (never written, expired, or dropped after a failed write).
func (b *Board) Top(ctx context.Context, roundID string, n int64) ([]types.UserTap, error) {
	if b.isDirty(roundID) {
		return nil, ErrMirrorIncomplete
	}
	if n <= 0 {
		return []types.UserTap{}, nil
	}

	key := roundKey(roundID)
	pipe := b.client.Pipeline()
	exists := pipe.Exists(ctx, key)
	zrange := pipe.ZRevRangeWithScores(ctx, key, 0, n-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ErrMirrorIncomplete
	}
	items := zrange.Val()

	taps := make([]types.UserTap, 0, len(items))
	for _, z := range items {
		userID, ok := z.Member.(string)
		if !ok {
			continue
		}
		taps = append(taps, types.UserTap{
			RoundID:  roundID,
			UserID:   userID,
			TapCount: int64(z.Score),
		})
	}
	return taps, nil
}

// DeleteRound drops the mirrored scores of a round.
func (b *Board) DeleteRound(ctx context.Context, roundID string) error {
	if err := b.client.Del(ctx, roundKey(roundID)).Err(); err != nil {
		return fmt.Errorf("failed to delete leaderboard: %w", err)
	}

	b.mu.Lock()
	delete(b.dirty, roundID)
	b.mu.Unlock()
	return nil
}

func (b *Board) Close() error {
	return b.client.Close()
}
