package roundcache

import (
	"time"

	"github.com/ichi0g0y/goose-taps/internal/types"
)

// StatusAt はラウンドの状態を now 時点で計算する
//
//	now <  start-lead          -> waiting
//	start-lead <= now < start  -> cooldown
//	start <= now <= end        -> active（両端を含む）
//	now >  end                 -> finished
//
// lead が 0 の場合 cooldown は発生せず3状態モデルになる。
func StatusAt(startAt, endAt, now time.Time, cooldownLead time.Duration) types.RoundStatus {
	if cooldownLead < 0 {
		cooldownLead = 0
	}
	switch {
	case now.Before(startAt.Add(-cooldownLead)):
		return types.RoundStatusWaiting
	case now.Before(startAt):
		return types.RoundStatusCooldown
	case !now.After(endAt):
		return types.RoundStatusActive
	default:
		return types.RoundStatusFinished
	}
}
