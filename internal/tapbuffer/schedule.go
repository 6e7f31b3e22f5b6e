package tapbuffer

import (
	"sync"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/zeromicro/go-zero/core/collection"
	"go.uber.org/zap"
)

type scheduleState int

const (
	scheduleArmed scheduleState = iota + 1
	scheduleFired
)

// flushSchedule keeps at most one end-of-round deadline per round:
// unarmed -> armed -> fired. A fired round is never re-armed.
type flushSchedule struct {
	mu     sync.Mutex
	states map[string]scheduleState
	wheel  *collection.TimingWheel
	tick   time.Duration
	now    func() time.Time
	fire   func(roundID string)
}

func newFlushSchedule(tick time.Duration, slots int, now func() time.Time, fire func(string)) (*flushSchedule, error) {
	s := &flushSchedule{
		states: make(map[string]scheduleState),
		tick:   tick,
		now:    now,
		fire:   fire,
	}

	wheel, err := collection.NewTimingWheel(tick, slots, func(key, value any) {
		s.onDeadline(key.(string), value.(time.Time))
	})
	if err != nil {
		return nil, err
	}
	s.wheel = wheel
	return s, nil
}

func (s *flushSchedule) known(roundID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[roundID]
	return ok
}

// arm registers the deadline for a round seen for the first time. It returns
// true when endAt has already passed; the caller then flushes synchronously.
func (s *flushSchedule) arm(roundID string, endAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[roundID]; ok {
		return false
	}

	delay := endAt.Sub(s.now())
	if delay <= 0 {
		s.states[roundID] = scheduleFired
		return true
	}

	if err := s.wheel.SetTimer(roundID, endAt, s.padded(delay)); err != nil {
		logger.Warn("Failed to arm round flush deadline",
			zap.String("round_id", roundID),
			zap.Error(err))
		return false
	}
	s.states[roundID] = scheduleArmed

	logger.Debug("Round flush deadline armed",
		zap.String("round_id", roundID),
		zap.Time("end_at", endAt))
	return false
}

func (s *flushSchedule) onDeadline(roundID string, endAt time.Time) {
	s.mu.Lock()
	if s.states[roundID] != scheduleArmed {
		s.mu.Unlock()
		return
	}

	// ホイールの刻みで早く起きた場合は残り時間で張り直す
	if remaining := endAt.Sub(s.now()); remaining > 0 {
		if err := s.wheel.SetTimer(roundID, endAt, s.padded(remaining)); err == nil {
			s.mu.Unlock()
			return
		}
	}
	s.states[roundID] = scheduleFired
	s.mu.Unlock()

	logger.Debug("Round flush deadline reached", zap.String("round_id", roundID))
	s.fire(roundID)
}

func (s *flushSchedule) forget(roundID string) {
	s.mu.Lock()
	state, ok := s.states[roundID]
	delete(s.states, roundID)
	s.mu.Unlock()

	if ok && state == scheduleArmed {
		_ = s.wheel.RemoveTimer(roundID)
	}
}

func (s *flushSchedule) state(roundID string) (scheduleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[roundID]
	return state, ok
}

func (s *flushSchedule) stop() {
	s.wheel.Stop()
}

// padded adds two ticks so the wheel never fires before the deadline.
func (s *flushSchedule) padded(delay time.Duration) time.Duration {
	return delay + 2*s.tick
}
