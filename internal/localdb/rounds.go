package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// SetupRoundsTable はroundsテーブルを作成
// start_at / end_at はUnixミリ秒で保存する（重複判定を整数比較で行うため）
func SetupRoundsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		CHECK (start_at < end_at)
	)`)
	if err != nil {
		logger.Error("Failed to create rounds table", zap.Error(err))
		return fmt.Errorf("failed to create rounds table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rounds_start_end ON rounds(start_at, end_at)`)
	if err != nil {
		logger.Error("Failed to create rounds index", zap.Error(err))
		return fmt.Errorf("failed to create rounds index: %w", err)
	}

	return nil
}

// CreateRound inserts a new round with a generated id
func CreateRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error) {
	db := GetDB()
	if db == nil {
		return nil, errDatabaseNotInitialized
	}
	if !startAt.Before(endAt) {
		return nil, fmt.Errorf("start_at must be before end_at")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate round id: %w", err)
	}

	round := &types.Round{
		ID:        id,
		StartAt:   fromMillis(toMillis(startAt)),
		EndAt:     fromMillis(toMillis(endAt)),
		CreatedAt: fromMillis(toMillis(time.Now())),
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO rounds (id, start_at, end_at, created_at) VALUES (?, ?, ?, ?)`,
		round.ID, toMillis(round.StartAt), toMillis(round.EndAt), toMillis(round.CreatedAt))
	if err != nil {
		logger.Error("Failed to create round", zap.Error(err))
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	logger.Info("Round created",
		zap.String("round_id", round.ID),
		zap.Time("start_at", round.StartAt),
		zap.Time("end_at", round.EndAt))
	return round, nil
}

// FindRound はIDでラウンドを取得する。存在しない場合は nil, nil を返す
func FindRound(ctx context.Context, id string) (*types.Round, error) {
	db := GetDB()
	if db == nil {
		return nil, errDatabaseNotInitialized
	}

	round, err := scanRound(db.QueryRowContext(ctx,
		`SELECT id, start_at, end_at, created_at FROM rounds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to find round", zap.Error(err), zap.String("round_id", id))
		return nil, fmt.Errorf("failed to find round: %w", err)
	}
	return round, nil
}

// FindOverlappingRound returns any round whose interval intersects [startAt, endAt).
// Intervals are half-open, so rounds that only touch at an endpoint do not overlap.
func FindOverlappingRound(ctx context.Context, startAt, endAt time.Time) (*types.Round, error) {
	db := GetDB()
	if db == nil {
		return nil, errDatabaseNotInitialized
	}

	round, err := scanRound(db.QueryRowContext(ctx,
		`SELECT id, start_at, end_at, created_at FROM rounds
		WHERE start_at < ? AND end_at > ?
		ORDER BY start_at LIMIT 1`,
		toMillis(endAt), toMillis(startAt)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to check overlapping rounds", zap.Error(err))
		return nil, fmt.Errorf("failed to check overlapping rounds: %w", err)
	}
	return round, nil
}

// ListRounds は開始時刻の新しい順で全ラウンドを返す
func ListRounds(ctx context.Context) ([]types.Round, error) {
	db := GetDB()
	if db == nil {
		return []types.Round{}, errDatabaseNotInitialized
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, start_at, end_at, created_at FROM rounds ORDER BY start_at DESC`)
	if err != nil {
		logger.Error("Failed to list rounds", zap.Error(err))
		return []types.Round{}, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	rounds := []types.Round{}
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			logger.Error("Failed to scan round", zap.Error(err))
			continue
		}
		rounds = append(rounds, *round)
	}

	return rounds, rows.Err()
}

// DeleteRound deletes a round and its tap records. It reports whether the round existed.
func DeleteRound(ctx context.Context, id string) (bool, error) {
	db := GetDB()
	if db == nil {
		return false, errDatabaseNotInitialized
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_taps WHERE round_id = ?`, id); err != nil {
		logger.Error("Failed to delete round taps", zap.Error(err), zap.String("round_id", id))
		return false, fmt.Errorf("failed to delete round taps: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE id = ?`, id)
	if err != nil {
		logger.Error("Failed to delete round", zap.Error(err), zap.String("round_id", id))
		return false, fmt.Errorf("failed to delete round: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if affected > 0 {
		logger.Info("Round deleted", zap.String("round_id", id))
	}
	return affected > 0, nil
}

// DeleteAllRounds は全ラウンドと全タップ記録を削除する
func DeleteAllRounds(ctx context.Context) error {
	db := GetDB()
	if db == nil {
		return errDatabaseNotInitialized
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_taps`); err != nil {
		logger.Error("Failed to delete all taps", zap.Error(err))
		return fmt.Errorf("failed to delete all taps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rounds`); err != nil {
		logger.Error("Failed to delete all rounds", zap.Error(err))
		return fmt.Errorf("failed to delete all rounds: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Info("All rounds deleted")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*types.Round, error) {
	var (
		round                       types.Round
		startMs, endMs, createdAtMs int64
	)
	if err := row.Scan(&round.ID, &startMs, &endMs, &createdAtMs); err != nil {
		return nil, err
	}
	round.StartAt = fromMillis(startMs)
	round.EndAt = fromMillis(endMs)
	round.CreatedAt = fromMillis(createdAtMs)
	return &round, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
