package tapbuffer

import (
	"context"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"go.uber.org/zap"
)

func (a *Aggregator) sweepLoop() {
	defer close(a.done)

	ticker := time.NewTicker(a.opts.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.Sweep(context.Background()); err != nil {
				logger.Warn("Idle sweep left taps in memory", zap.Error(err))
			}
		}
	}
}

// Sweep flushes every entry, regardless of round, that has not been touched
// for longer than the idle TTL.
func (a *Aggregator) Sweep(ctx context.Context) error {
	now := a.opts.Now()
	batch := a.take(func(_ tapKey, e *tapEntry) bool {
		return now.Sub(e.lastTouched) > a.opts.IdleTTL
	})
	if len(batch) == 0 {
		return nil
	}

	logger.Debug("Idle sweep flushing taps", zap.Int("entries", len(batch)))
	return a.flushBatch(ctx, batch, "sweep")
}
