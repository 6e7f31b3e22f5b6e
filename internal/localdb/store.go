package localdb

import (
	"context"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/types"
)

// Store adapts the package-level functions to the interfaces consumed by
// roundcache, tapbuffer and rounds. It holds no state of its own.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) FindRound(ctx context.Context, id string) (*types.Round, error) {
	return FindRound(ctx, id)
}

func (s *Store) FindUserTap(ctx context.Context, roundID, userID string) (*types.UserTap, error) {
	return FindUserTap(ctx, roundID, userID)
}

func (s *Store) UpsertIncrementTap(ctx context.Context, roundID, userID string, delta int64) error {
	return UpsertIncrementTap(ctx, roundID, userID, delta)
}

func (s *Store) CreateRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error) {
	return CreateRound(ctx, startAt, endAt)
}

func (s *Store) DeleteRound(ctx context.Context, id string) (bool, error) {
	return DeleteRound(ctx, id)
}

func (s *Store) DeleteAllRounds(ctx context.Context) error {
	return DeleteAllRounds(ctx)
}

func (s *Store) FindOverlappingRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error) {
	return FindOverlappingRound(ctx, startAt, endAt)
}

func (s *Store) ListRounds(ctx context.Context) ([]types.Round, error) {
	return ListRounds(ctx)
}

func (s *Store) GetRoundTaps(ctx context.Context, roundID string) ([]types.UserTap, error) {
	return GetRoundTaps(ctx, roundID)
}
