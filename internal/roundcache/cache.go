package roundcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/types"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrRoundNotFound is returned when the store has no round with the requested id.
var ErrRoundNotFound = errors.New("round not found")

// RoundFinder is the read side of the persistent store used on cache misses.
type RoundFinder interface {
	FindRound(ctx context.Context, id string) (*types.Round, error)
}

// CachedRoundStatus is a derived, never persisted view of a round.
type CachedRoundStatus struct {
	ID       string            `json:"id"`
	StartAt  time.Time         `json:"start_at"`
	EndAt    time.Time         `json:"end_at"`
	Status   types.RoundStatus `json:"status"`
	CachedAt time.Time         `json:"cached_at"`
}

type Options struct {
	// TTL bounds how stale a cached status may be. Zero means the default 1s.
	TTL          time.Duration
	CooldownLead time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

// Cache memoizes round statuses for a short TTL so tap requests do not hit
// the store on every call.
type Cache struct {
	store        RoundFinder
	ttl          time.Duration
	cooldownLead time.Duration
	now          func() time.Time

	entries *gocache.Cache
	group   singleflight.Group
}

func New(store RoundFinder, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cleanup := opts.TTL * 10
	if cleanup < time.Second {
		cleanup = time.Second
	}

	return &Cache{
		store:        store,
		ttl:          opts.TTL,
		cooldownLead: opts.CooldownLead,
		now:          opts.Now,
		entries:      gocache.New(opts.TTL, cleanup),
	}
}

// GetCachedStatus returns the cached status of a round, reading the store
// only when there is no live entry. Missing rounds are never cached.
func (c *Cache) GetCachedStatus(ctx context.Context, roundID string) (CachedRoundStatus, error) {
	if cached, ok := c.lookup(roundID); ok {
		return cached, nil
	}

	// 同じラウンドへの同時ミスは1回の読み込みにまとめる。
	// 読み込みは待っている全員のものなので、最初の呼び出し元のキャンセルは伝えない
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(roundID, func() (interface{}, error) {
		if cached, ok := c.lookup(roundID); ok {
			return cached, nil
		}
		return c.load(loadCtx, roundID)
	})

	select {
	case <-ctx.Done():
		return CachedRoundStatus{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return CachedRoundStatus{}, res.Err
		}
		return res.Val.(CachedRoundStatus), nil
	}
}

func (c *Cache) lookup(roundID string) (CachedRoundStatus, bool) {
	v, found := c.entries.Get(roundID)
	if !found {
		return CachedRoundStatus{}, false
	}
	cached := v.(CachedRoundStatus)
	if c.now().Sub(cached.CachedAt) >= c.ttl {
		return CachedRoundStatus{}, false
	}
	return cached, true
}

func (c *Cache) load(ctx context.Context, roundID string) (CachedRoundStatus, error) {
	round, err := c.store.FindRound(ctx, roundID)
	if err != nil {
		return CachedRoundStatus{}, fmt.Errorf("failed to load round %s: %w", roundID, err)
	}
	if round == nil {
		logger.Debug("Round not found for status cache", zap.String("round_id", roundID))
		return CachedRoundStatus{}, ErrRoundNotFound
	}

	now := c.now()
	cached := CachedRoundStatus{
		ID:       round.ID,
		StartAt:  round.StartAt,
		EndAt:    round.EndAt,
		Status:   StatusAt(round.StartAt, round.EndAt, now, c.cooldownLead),
		CachedAt: now,
	}
	c.entries.Set(roundID, cached, c.ttl)

	logger.Debug("Round status cached",
		zap.String("round_id", roundID),
		zap.String("status", string(cached.Status)))
	return cached, nil
}

// StatusAt computes the status with this cache's cooldown lead, bypassing the cache.
func (c *Cache) StatusAt(startAt, endAt, now time.Time) types.RoundStatus {
	return StatusAt(startAt, endAt, now, c.cooldownLead)
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// RoundEnd returns the round's end instant through the cache.
func (c *Cache) RoundEnd(ctx context.Context, roundID string) (time.Time, error) {
	cached, err := c.GetCachedStatus(ctx, roundID)
	if err != nil {
		return time.Time{}, err
	}
	return cached.EndAt, nil
}
