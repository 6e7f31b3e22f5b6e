package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/leaderboard"
	"github.com/ichi0g0y/goose-taps/internal/roundcache"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/types"
	"go.uber.org/zap"
)

var (
	ErrRoundNotFound    = roundcache.ErrRoundNotFound
	ErrRoundOverlap     = errors.New("round time overlaps with existing round")
	ErrStartNotInFuture = errors.New("startAt must be in the future")
	ErrRoundNotActive   = errors.New("round not active")
)

type Store interface {
	FindRound(ctx context.Context, id string) (*types.Round, error)
	CreateRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error)
	DeleteRound(ctx context.Context, id string) (bool, error)
	DeleteAllRounds(ctx context.Context) error
	FindOverlappingRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error)
	ListRounds(ctx context.Context) ([]types.Round, error)
	GetRoundTaps(ctx context.Context, roundID string) ([]types.UserTap, error)
}

type StatusCache interface {
	GetCachedStatus(ctx context.Context, roundID string) (roundcache.CachedRoundStatus, error)
}

type TapRecorder interface {
	RecordTap(ctx context.Context, roundID, userID string, delta int64) error
	FlushRound(ctx context.Context, roundID string) error
	ForgetRound(roundID string)
}

// Leaderboard is the optional Redis mirror.
type Leaderboard interface {
	Top(ctx context.Context, roundID string, n int64) ([]types.UserTap, error)
	DeleteRound(ctx context.Context, roundID string) error
}

type Options struct {
	RoundDuration time.Duration
	CooldownLead  time.Duration
	Leaderboard   Leaderboard
	// ZeroWeightUsers のタップは受け付けるが 0 として数え、集計からも除外する
	ZeroWeightUsers []string
	Now             func() time.Time
}

// Service is the round lifecycle and tap submission surface.
type Service struct {
	store Store
	cache StatusCache
	taps  TapRecorder
	opts  Options

	zeroWeight map[string]struct{}

	// 重複チェックと作成の間に別の作成が割り込まないようにする
	createMu sync.Mutex
}

func New(store Store, cache StatusCache, taps TapRecorder, opts Options) *Service {
	if opts.RoundDuration <= 0 {
		opts.RoundDuration = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	zeroWeight := make(map[string]struct{}, len(opts.ZeroWeightUsers))
	for _, userID := range opts.ZeroWeightUsers {
		zeroWeight[userID] = struct{}{}
	}
	return &Service{
		store:      store,
		cache:      cache,
		taps:       taps,
		opts:       opts,
		zeroWeight: zeroWeight,
	}
}

func (s *Service) isZeroWeight(userID string) bool {
	_, ok := s.zeroWeight[userID]
	return ok
}

// CreateRound schedules a round starting at startAt and lasting the configured duration.
func (s *Service) CreateRound(ctx context.Context, startAt time.Time) (*types.Round, error) {
	if !startAt.After(s.opts.Now()) {
		return nil, ErrStartNotInFuture
	}
	endAt := startAt.Add(s.opts.RoundDuration)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	overlapping, err := s.store.FindOverlappingRound(ctx, startAt, endAt)
	if err != nil {
		return nil, err
	}
	if overlapping != nil {
		logger.Info("Rejected overlapping round",
			zap.Time("start_at", startAt),
			zap.String("conflicts_with", overlapping.ID))
		return nil, ErrRoundOverlap
	}

	return s.store.CreateRound(ctx, startAt, endAt)
}

// ListRounds returns all rounds, newest first, with their current status.
func (s *Service) ListRounds(ctx context.Context) ([]types.RoundWithStatus, error) {
	rounds, err := s.store.ListRounds(ctx)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	result := make([]types.RoundWithStatus, 0, len(rounds))
	for _, round := range rounds {
		result = append(result, types.RoundWithStatus{
			Round:  round,
			Status: roundcache.StatusAt(round.StartAt, round.EndAt, now, s.opts.CooldownLead),
		})
	}
	return result, nil
}

// RoundDetails reads the round directly from the store. Scores are filled in
// only once the round has finished.
func (s *Service) RoundDetails(ctx context.Context, roundID, userID string) (*types.RoundDetails, error) {
	round, err := s.store.FindRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, ErrRoundNotFound
	}

	details := &types.RoundDetails{
		Round:  *round,
		Status: roundcache.StatusAt(round.StartAt, round.EndAt, s.opts.Now(), s.opts.CooldownLead),
	}
	if details.Status != types.RoundStatusFinished {
		return details, nil
	}

	taps, err := s.store.GetRoundTaps(ctx, roundID)
	if err != nil {
		return nil, err
	}
	for _, tap := range taps {
		if s.isZeroWeight(tap.UserID) {
			continue
		}
		score := CalcScore(tap.TapCount)
		details.TotalScore += score
		if tap.UserID == userID {
			details.MyScore = score
		}
		// 取得結果はタップ数の降順
		if details.TopPlayer == nil {
			details.TopPlayer = &types.TopPlayer{UserID: tap.UserID, Score: score}
		}
	}
	return details, nil
}

// SubmitTap records one tap if the round is active according to the status cache.
// Taps of zero-weight users are accepted but recorded as 0.
func (s *Service) SubmitTap(ctx context.Context, roundID, userID string) error {
	status, err := s.cache.GetCachedStatus(ctx, roundID)
	if err != nil {
		return err
	}
	if status.Status != types.RoundStatusActive {
		return ErrRoundNotActive
	}

	var delta int64 = 1
	if s.isZeroWeight(userID) {
		delta = 0
	}
	return s.taps.RecordTap(ctx, roundID, userID, delta)
}

// Top returns the highest tap counts of a round, from the leaderboard mirror
// when it is complete and from the store otherwise.
func (s *Service) Top(ctx context.Context, roundID string, n int64) ([]types.UserTap, error) {
	if s.opts.Leaderboard != nil {
		top, err := s.opts.Leaderboard.Top(ctx, roundID, n)
		switch {
		case err == nil:
			return top, nil
		case errors.Is(err, leaderboard.ErrMirrorIncomplete):
			logger.Debug("Leaderboard mirror incomplete, reading database", zap.String("round_id", roundID))
		default:
			logger.Warn("Leaderboard read failed, falling back to database",
				zap.String("round_id", roundID),
				zap.Error(err))
		}
	}

	taps, err := s.store.GetRoundTaps(ctx, roundID)
	if err != nil {
		return nil, err
	}
	filtered := taps[:0]
	for _, tap := range taps {
		if !s.isZeroWeight(tap.UserID) {
			filtered = append(filtered, tap)
		}
	}
	if n >= 0 && int64(len(filtered)) > n {
		filtered = filtered[:n]
	}
	return filtered, nil
}

// DeleteRound flushes whatever is buffered for the round, then removes the
// round and its tap records.
func (s *Service) DeleteRound(ctx context.Context, roundID string) error {
	if err := s.taps.FlushRound(ctx, roundID); err != nil {
		logger.Warn("Failed to flush taps before deleting round",
			zap.String("round_id", roundID),
			zap.Error(err))
	}
	s.taps.ForgetRound(roundID)

	deleted, err := s.store.DeleteRound(ctx, roundID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrRoundNotFound
	}

	if s.opts.Leaderboard != nil {
		if err := s.opts.Leaderboard.DeleteRound(ctx, roundID); err != nil {
			logger.Warn("Failed to delete leaderboard", zap.String("round_id", roundID), zap.Error(err))
		}
	}
	return nil
}

// DeleteAllRounds removes every round.
func (s *Service) DeleteAllRounds(ctx context.Context) error {
	rounds, err := s.store.ListRounds(ctx)
	if err != nil {
		return err
	}
	for _, round := range rounds {
		if err := s.taps.FlushRound(ctx, round.ID); err != nil {
			logger.Warn("Failed to flush taps before deleting round",
				zap.String("round_id", round.ID),
				zap.Error(err))
		}
		s.taps.ForgetRound(round.ID)
	}

	if err := s.store.DeleteAllRounds(ctx); err != nil {
		return fmt.Errorf("failed to delete all rounds: %w", err)
	}

	if s.opts.Leaderboard != nil {
		for _, round := range rounds {
			if err := s.opts.Leaderboard.DeleteRound(ctx, round.ID); err != nil {
				logger.Warn("Failed to delete leaderboard", zap.String("round_id", round.ID), zap.Error(err))
			}
		}
	}
	return nil
}
