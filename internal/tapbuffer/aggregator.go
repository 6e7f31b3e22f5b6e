// Package tapbuffer coalesces tap events per (round, user) in memory and
// writes them to the store as single increments.
//
// An entry is flushed by whichever trigger observes it first: the block size
// threshold inside RecordTap, the round's end deadline, or the idle sweep.
// Removal from memory happens under the shard lock, so exactly one trigger
// ever owns a given pending count.
package tapbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed        = errors.New("tap aggregator closed")
	ErrNegativeDelta = errors.New("tap delta must not be negative")
)

// TapWriter is the durable side: an atomic create-or-increment keyed by (round, user).
type TapWriter interface {
	UpsertIncrementTap(ctx context.Context, roundID, userID string, delta int64) error
}

// DeadlineSource resolves when a round ends. roundcache.Cache implements it.
type DeadlineSource interface {
	RoundEnd(ctx context.Context, roundID string) (time.Time, error)
}

// FlushHook is invoked after a delta has been durably written.
type FlushHook func(ctx context.Context, roundID, userID string, delta int64)

type Options struct {
	BlockSize int64
	// IdleTTL is both the sweep interval and the idle age that triggers a flush.
	IdleTTL    time.Duration
	WheelTick  time.Duration
	WheelSlots int
	// Retries is how many extra attempts a failed upsert gets before the
	// delta is put back in memory.
	Retries     int
	RetryWait   time.Duration
	Concurrency int
	OnFlushed   FlushHook
	Now         func() time.Time
}

const shardCount = 64

type tapKey struct {
	roundID string
	userID  string
}

type tapEntry struct {
	pending     int64
	lastTouched time.Time
}

type pendingTap struct {
	key   tapKey
	delta int64
}

type shard struct {
	mu      sync.Mutex
	entries map[tapKey]*tapEntry
}

// Aggregator owns the in-memory accumulator and the per-round flush schedule.
// Lifecycle: New, Start, then Close, which drains every entry.
type Aggregator struct {
	store     TapWriter
	deadlines DeadlineSource
	opts      Options
	shards    [shardCount]*shard
	schedule  *flushSchedule

	// life は RecordTap / 締切フラッシュと Close の排他に使う
	life   sync.RWMutex
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	done      chan struct{}
}

func New(store TapWriter, deadlines DeadlineSource, opts Options) (*Aggregator, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 10
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Second
	}
	if opts.WheelTick <= 0 {
		opts.WheelTick = 50 * time.Millisecond
	}
	if opts.WheelSlots <= 0 {
		opts.WheelSlots = 1200
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 100 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Aggregator{
		store:     store,
		deadlines: deadlines,
		opts:      opts,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[tapKey]*tapEntry)}
	}

	schedule, err := newFlushSchedule(opts.WheelTick, opts.WheelSlots, opts.Now, a.onRoundDeadline)
	if err != nil {
		return nil, fmt.Errorf("failed to create flush schedule: %w", err)
	}
	a.schedule = schedule

	return a, nil
}

// Start launches the idle sweep loop.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		go a.sweepLoop()
		logger.Info("Tap aggregator started",
			zap.Int64("block_size", a.opts.BlockSize),
			zap.Duration("idle_ttl", a.opts.IdleTTL))
	})
}

// RecordTap merges delta into the (round, user) entry. Once the merged count
// reaches the block size the whole count is written in one increment.
// A zero delta changes nothing but still arms the round's deadline flush.
func (a *Aggregator) RecordTap(ctx context.Context, roundID, userID string, delta int64) error {
	if delta < 0 {
		return ErrNegativeDelta
	}

	a.life.RLock()
	defer a.life.RUnlock()
	if a.closed {
		return ErrClosed
	}

	if delta > 0 {
		key := tapKey{roundID: roundID, userID: userID}
		if full := a.merge(key, delta); full > 0 {
			// 書き込み失敗時は flush 内でメモリに戻すので呼び出し元にはエラーを返さない
			_ = a.flush(ctx, key, full, "threshold")
		}
	}

	a.armRound(ctx, roundID)
	return nil
}

// merge adds delta and, when the block size is reached, removes the entry and
// returns the count that now belongs to the caller.
func (a *Aggregator) merge(key tapKey, delta int64) int64 {
	s := a.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &tapEntry{}
		s.entries[key] = e
	}
	e.pending += delta
	e.lastTouched = a.opts.Now()

	if e.pending >= a.opts.BlockSize {
		delete(s.entries, key)
		return e.pending
	}
	return 0
}

// restore puts a delta that could not be written back into memory.
func (a *Aggregator) restore(key tapKey, delta int64) {
	s := a.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.pending += delta
		return
	}
	s.entries[key] = &tapEntry{pending: delta, lastTouched: a.opts.Now()}
}

func (a *Aggregator) armRound(ctx context.Context, roundID string) {
	if a.deadlines == nil || a.schedule.known(roundID) {
		return
	}

	endAt, err := a.deadlines.RoundEnd(ctx, roundID)
	if err != nil {
		// ラウンドが消えていてもアイドルスイープが残りを書き出す
		logger.Warn("Failed to resolve round end for flush schedule",
			zap.String("round_id", roundID),
			zap.Error(err))
		return
	}

	if a.schedule.arm(roundID, endAt) {
		logger.Debug("Round already ended, flushing immediately", zap.String("round_id", roundID))
		_ = a.flushRound(ctx, roundID, "deadline")
	}
}

// FlushRound drains every buffered entry of the round. Safe to call with
// nothing buffered and concurrently with RecordTap.
func (a *Aggregator) FlushRound(ctx context.Context, roundID string) error {
	a.life.RLock()
	defer a.life.RUnlock()
	return a.flushRound(ctx, roundID, "round")
}

func (a *Aggregator) flushRound(ctx context.Context, roundID, trigger string) error {
	batch := a.take(func(key tapKey, _ *tapEntry) bool {
		return key.roundID == roundID
	})
	if len(batch) == 0 {
		return nil
	}

	logger.Debug("Flushing round taps",
		zap.String("trigger", trigger),
		zap.String("round_id", roundID),
		zap.Int("entries", len(batch)))
	return a.flushBatch(ctx, batch, trigger)
}

// ForgetRound drops the round's flush schedule. Used when a round is deleted.
func (a *Aggregator) ForgetRound(roundID string) {
	a.schedule.forget(roundID)
}

func (a *Aggregator) onRoundDeadline(roundID string) {
	a.life.RLock()
	defer a.life.RUnlock()
	if a.closed {
		return
	}

	if err := a.flushRound(context.Background(), roundID, "deadline"); err != nil {
		logger.Error("Deadline flush incomplete", zap.String("round_id", roundID), zap.Error(err))
	}
}

// take atomically removes and returns every entry matching pred.
func (a *Aggregator) take(pred func(tapKey, *tapEntry) bool) []pendingTap {
	var batch []pendingTap
	for _, s := range a.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if pred(key, e) {
				batch = append(batch, pendingTap{key: key, delta: e.pending})
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
	return batch
}

func (a *Aggregator) flushBatch(ctx context.Context, batch []pendingTap, trigger string) error {
	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for _, p := range batch {
		p := p
		g.Go(func() error {
			return a.flush(ctx, p.key, p.delta, trigger)
		})
	}
	return g.Wait()
}

// flush writes delta for key, retrying the same delta on failure. If every
// attempt fails, or ctx ends between attempts, the delta goes back into memory
// for a later trigger. A write already in progress is never cancelled.
func (a *Aggregator) flush(ctx context.Context, key tapKey, delta int64, trigger string) error {
	writeCtx := context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt <= a.opts.Retries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, time.Duration(attempt)*a.opts.RetryWait) {
			break
		}
		err = a.store.UpsertIncrementTap(writeCtx, key.roundID, key.userID, delta)
		if err == nil {
			logger.Debug("Flushed taps",
				zap.String("trigger", trigger),
				zap.String("round_id", key.roundID),
				zap.String("user_id", key.userID),
				zap.Int64("delta", delta))
			if a.opts.OnFlushed != nil {
				a.opts.OnFlushed(writeCtx, key.roundID, key.userID, delta)
			}
			return nil
		}
		logger.Warn("Tap flush attempt failed",
			zap.String("trigger", trigger),
			zap.String("round_id", key.roundID),
			zap.String("user_id", key.userID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	a.restore(key, delta)
	logger.Error("Tap flush failed, delta kept in memory",
		zap.String("trigger", trigger),
		zap.String("round_id", key.roundID),
		zap.String("user_id", key.userID),
		zap.Int64("delta", delta),
		zap.Error(err))
	return fmt.Errorf("flush %s/%s: %w", key.roundID, key.userID, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close stops the timers and drains every remaining entry to the store.
// Entries whose write still fails stay in memory and are reported in the error.
//
// ctx bounds how long Close waits. When it ends first, Close returns its error
// while writes already in progress keep running in the background; pending
// retries are skipped and those deltas stay in memory.
func (a *Aggregator) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		close(a.stop)
		// Start されていなければここで done を閉じ、以後の Start も無効にする
		a.startOnce.Do(func() { close(a.done) })
		<-a.done

		a.life.Lock()
		a.closed = true
		a.life.Unlock()

		a.schedule.stop()

		batch := a.take(func(tapKey, *tapEntry) bool { return true })
		if len(batch) > 0 {
			logger.Info("Draining buffered taps on shutdown", zap.Int("entries", len(batch)))
		}
		drained := make(chan error, 1)
		go func() {
			drained <- a.flushBatch(ctx, batch, "shutdown")
		}()
		select {
		case a.closeErr = <-drained:
		case <-ctx.Done():
			a.closeErr = fmt.Errorf("shutdown drain interrupted: %w", ctx.Err())
		}
		if a.closeErr != nil {
			logger.Error("Some taps could not be flushed on shutdown",
				zap.Int64("pending", a.Pending()),
				zap.Error(a.closeErr))
		}
	})
	return a.closeErr
}

// Pending returns the total buffered tap count across all entries.
func (a *Aggregator) Pending() int64 {
	var total int64
	for _, s := range a.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			total += e.pending
		}
		s.mu.Unlock()
	}
	return total
}

// Len returns the number of buffered (round, user) entries.
func (a *Aggregator) Len() int {
	n := 0
	for _, s := range a.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Peek returns the buffered count for one key without modifying it.
func (a *Aggregator) Peek(roundID, userID string) (int64, bool) {
	key := tapKey{roundID: roundID, userID: userID}
	s := a.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.pending, true
}

func (a *Aggregator) shardFor(key tapKey) *shard {
	h := xxhash.Sum64String(key.roundID + "\x00" + key.userID)
	return a.shards[h%shardCount]
}
