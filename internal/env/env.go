package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// EnvValue はプロセス全体で共有する設定値
type EnvValue struct {
	DebugMode bool
	DBPath    string

	// ラウンド状態キャッシュ
	RoundCacheTTL time.Duration
	CooldownLead  time.Duration
	RoundDuration time.Duration
	// タップが 0 として数えられるユーザー
	ZeroWeightUsers []string

	// タップ集約
	TapBlockSize      int64
	TapSweepInterval  time.Duration
	TapWheelTick      time.Duration
	TapFlushRetries   int
	TapFlushRetryWait time.Duration

	// 空の場合はリーダーボードを無効にする
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var Value = Defaults()

// Defaults returns the configuration used when no environment is supplied.
func Defaults() EnvValue {
	return EnvValue{
		DBPath:            "goose-taps.db",
		RoundCacheTTL:     1000 * time.Millisecond,
		CooldownLead:      30 * time.Second,
		RoundDuration:     60 * time.Second,
		TapBlockSize:      10,
		TapSweepInterval:  1000 * time.Millisecond,
		TapWheelTick:      50 * time.Millisecond,
		TapFlushRetries:   3,
		TapFlushRetryWait: 100 * time.Millisecond,
	}
}

// LoadEnv は .env ファイル（存在すれば）と環境変数から Value を組み立てる
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	v := Defaults()
	v.DebugMode = getBool("DEBUG_MODE", v.DebugMode)
	v.DBPath = getString("DB_PATH", v.DBPath)

	v.RoundCacheTTL = getMillis("ROUND_CACHE_TTL_MS", v.RoundCacheTTL)
	v.CooldownLead = getSeconds("COOLDOWN_DURATION_SEC", v.CooldownLead)
	v.RoundDuration = getSeconds("ROUND_DURATION_SEC", v.RoundDuration)
	v.ZeroWeightUsers = getList("ZERO_WEIGHT_USERS", v.ZeroWeightUsers)

	v.TapBlockSize = int64(getInt("TAP_BLOCK_SIZE", int(v.TapBlockSize)))
	v.TapSweepInterval = getMillis("TAP_SWEEP_INTERVAL_MS", v.TapSweepInterval)
	v.TapWheelTick = getMillis("TAP_WHEEL_TICK_MS", v.TapWheelTick)
	v.TapFlushRetries = getInt("TAP_FLUSH_RETRIES", v.TapFlushRetries)
	v.TapFlushRetryWait = getMillis("TAP_FLUSH_RETRY_WAIT_MS", v.TapFlushRetryWait)

	v.RedisAddr = getString("REDIS_ADDR", v.RedisAddr)
	v.RedisPassword = getString("REDIS_PASSWORD", v.RedisPassword)
	v.RedisDB = getInt("REDIS_DB", v.RedisDB)

	if v.TapBlockSize < 1 {
		logger.Warn("TAP_BLOCK_SIZE must be positive, using default", zap.Int64("value", v.TapBlockSize))
		v.TapBlockSize = Defaults().TapBlockSize
	}
	if v.RoundDuration <= 0 {
		logger.Warn("ROUND_DURATION_SEC must be positive, using default", zap.Duration("value", v.RoundDuration))
		v.RoundDuration = Defaults().RoundDuration
	}

	Value = v
}

func getString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// getList はカンマ区切りの値を空要素を除いて返す
func getList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Invalid integer in environment", zap.String("key", key), zap.String("value", value))
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getMillis(key string, fallback time.Duration) time.Duration {
	ms := getInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getSeconds(key string, fallback time.Duration) time.Duration {
	sec := getInt(key, -1)
	if sec < 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}
