package localdb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var DBClient *sql.DB

var errDatabaseNotInitialized = errors.New("database not initialized")

func SetupDB(dbPath string) (*sql.DB, error) {
	if DBClient != nil {
		return DBClient, nil
	}

	// WALモードとBusy Timeoutを設定（Race Condition対策）
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// SQLiteは単一ライターなので接続プールを1に制限
	db.SetMaxOpenConns(1)

	if err := SetupRoundsTable(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := SetupUserTapsTable(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	DBClient = db
	return db, nil
}

// GetDB は現在のデータベース接続を返します
func GetDB() *sql.DB {
	return DBClient
}

// CloseDB closes the shared connection and resets DBClient
func CloseDB() error {
	if DBClient == nil {
		return nil
	}
	err := DBClient.Close()
	DBClient = nil
	if err != nil {
		logger.Error("Failed to close database", zap.Error(err))
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
