package types

import "time"

// Round はタップが有効になる時間枠
type Round struct {
	ID        string    `json:"id" db:"id"`
	StartAt   time.Time `json:"start_at" db:"start_at"`
	EndAt     time.Time `json:"end_at" db:"end_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RoundStatus はラウンドの時刻から導出される状態
type RoundStatus string

const (
	RoundStatusWaiting  RoundStatus = "waiting"
	RoundStatusCooldown RoundStatus = "cooldown"
	RoundStatusActive   RoundStatus = "active"
	RoundStatusFinished RoundStatus = "finished"
)

// UserTap はラウンドごとのユーザー累計タップ数（永続化される）
type UserTap struct {
	RoundID   string    `json:"round_id" db:"round_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	TapCount  int64     `json:"tap_count" db:"tap_count"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RoundWithStatus は一覧表示用
type RoundWithStatus struct {
	Round
	Status RoundStatus `json:"status"`
}

// TopPlayer は終了したラウンドの最高スコアのユーザー
type TopPlayer struct {
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
}

// RoundDetails はラウンド詳細。スコア関連は finished の場合のみ埋まる
type RoundDetails struct {
	Round
	Status     RoundStatus `json:"status"`
	TotalScore int64       `json:"total_score"`
	MyScore    int64       `json:"my_score"`
	TopPlayer  *TopPlayer  `json:"top_player,omitempty"`
}
