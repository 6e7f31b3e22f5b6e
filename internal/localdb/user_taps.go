package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/types"
	"go.uber.org/zap"
)

// SetupUserTapsTable はuser_tapsテーブルを作成
func SetupUserTapsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS user_taps (
		round_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		tap_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (round_id, user_id)
	)`)
	if err != nil {
		logger.Error("Failed to create user_taps table", zap.Error(err))
		return fmt.Errorf("failed to create user_taps table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_user_taps_round_count ON user_taps(round_id, tap_count DESC)`)
	if err != nil {
		logger.Error("Failed to create user_taps index", zap.Error(err))
		return fmt.Errorf("failed to create user_taps index: %w", err)
	}

	return nil
}

// UpsertIncrementTap adds delta to the user's tap count, creating the row when absent.
// The statement is a single atomic upsert.
func UpsertIncrementTap(ctx context.Context, roundID, userID string, delta int64) error {
	db := GetDB()
	if db == nil {
		return errDatabaseNotInitialized
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO user_taps (round_id, user_id, tap_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(round_id, user_id) DO UPDATE SET
			tap_count = user_taps.tap_count + excluded.tap_count,
			updated_at = excluded.updated_at
	`, roundID, userID, delta, toMillis(time.Now()))
	if err != nil {
		logger.Error("Failed to upsert user taps", zap.Error(err),
			zap.String("round_id", roundID),
			zap.String("user_id", userID),
			zap.Int64("delta", delta))
		return fmt.Errorf("failed to upsert user taps: %w", err)
	}

	logger.Debug("Upserted user taps",
		zap.String("round_id", roundID),
		zap.String("user_id", userID),
		zap.Int64("delta", delta))
	return nil
}

// FindUserTap はユーザーの累計タップ数を返す。記録がない場合は nil, nil
func FindUserTap(ctx context.Context, roundID, userID string) (*types.UserTap, error) {
	db := GetDB()
	if db == nil {
		return nil, errDatabaseNotInitialized
	}

	var (
		tap       types.UserTap
		updatedMs int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT round_id, user_id, tap_count, updated_at FROM user_taps WHERE round_id = ? AND user_id = ?`,
		roundID, userID,
	).Scan(&tap.RoundID, &tap.UserID, &tap.TapCount, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to find user taps", zap.Error(err),
			zap.String("round_id", roundID),
			zap.String("user_id", userID))
		return nil, fmt.Errorf("failed to find user taps: %w", err)
	}
	tap.UpdatedAt = fromMillis(updatedMs)
	return &tap, nil
}

// GetRoundTaps returns all tap records of a round, highest count first
func GetRoundTaps(ctx context.Context, roundID string) ([]types.UserTap, error) {
	db := GetDB()
	if db == nil {
		return []types.UserTap{}, errDatabaseNotInitialized
	}

	rows, err := db.QueryContext(ctx, `
		SELECT round_id, user_id, tap_count, updated_at
		FROM user_taps WHERE round_id = ?
		ORDER BY tap_count DESC, updated_at ASC
	`, roundID)
	if err != nil {
		logger.Error("Failed to get round taps", zap.Error(err), zap.String("round_id", roundID))
		return []types.UserTap{}, fmt.Errorf("failed to get round taps: %w", err)
	}
	defer rows.Close()

	taps := []types.UserTap{}
	for rows.Next() {
		var (
			tap       types.UserTap
			updatedMs int64
		)
		if err := rows.Scan(&tap.RoundID, &tap.UserID, &tap.TapCount, &updatedMs); err != nil {
			logger.Error("Failed to scan user taps", zap.Error(err))
			continue
		}
		tap.UpdatedAt = fromMillis(updatedMs)
		taps = append(taps, tap)
	}

	return taps, rows.Err()
}
