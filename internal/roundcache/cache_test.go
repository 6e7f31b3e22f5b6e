package roundcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/types"
)

type countingFinder struct {
	mu     sync.Mutex
	rounds map[string]types.Round
	calls  int
	err    error
}

func (f *countingFinder) FindRound(ctx context.Context, id string) (*types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	round, ok := f.rounds[id]
	if !ok {
		return nil, nil
	}
	return &round, nil
}

func (f *countingFinder) put(round types.Round) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[round.ID] = round
}

func (f *countingFinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *countingFinder, *fakeClock) {
	t.Helper()
	start := time.Unix(1_700_000_000, 0)
	finder := &countingFinder{rounds: map[string]types.Round{
		"round-1": {ID: "round-1", StartAt: start, EndAt: start.Add(60 * time.Second)},
	}}
	clock := &fakeClock{now: start.Add(-40 * time.Second)}
	cache := New(finder, Options{
		TTL:          time.Second,
		CooldownLead: 30 * time.Second,
		Now:          clock.Now,
	})
	return cache, finder, clock
}

func TestGetCachedStatusHitsWithinTTL(t *testing.T) {
	cache, finder, clock := newTestCache(t)
	ctx := context.Background()

	first, err := cache.GetCachedStatus(ctx, "round-1")
	if err != nil {
		t.Fatalf("GetCachedStatus failed: %v", err)
	}
	if first.Status != types.RoundStatusWaiting {
		t.Fatalf("unexpected status: got=%q want=%q", first.Status, types.RoundStatusWaiting)
	}

	// TTL内なら時刻が進んでも同じ結果を返す
	clock.Advance(500 * time.Millisecond)
	second, err := cache.GetCachedStatus(ctx, "round-1")
	if err != nil {
		t.Fatalf("second GetCachedStatus failed: %v", err)
	}
	if second != first {
		t.Fatalf("cached entry changed within TTL: got=%+v want=%+v", second, first)
	}
	if finder.callCount() != 1 {
		t.Fatalf("store should be read once: got=%d", finder.callCount())
	}
}

func TestGetCachedStatusReloadsAfterTTL(t *testing.T) {
	cache, finder, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.GetCachedStatus(ctx, "round-1"); err != nil {
		t.Fatalf("GetCachedStatus failed: %v", err)
	}

	// waiting(T-40s) -> T+1s は active
	clock.Advance(41 * time.Second)
	got, err := cache.GetCachedStatus(ctx, "round-1")
	if err != nil {
		t.Fatalf("GetCachedStatus after TTL failed: %v", err)
	}
	if got.Status != types.RoundStatusActive {
		t.Fatalf("unexpected status after reload: got=%q want=%q", got.Status, types.RoundStatusActive)
	}
	if !got.CachedAt.Equal(clock.Now()) {
		t.Fatalf("cachedAt should be refreshed: got=%v want=%v", got.CachedAt, clock.Now())
	}
	if finder.callCount() != 2 {
		t.Fatalf("store should be read twice: got=%d", finder.callCount())
	}
}

func TestGetCachedStatusExactlyAtTTLReloads(t *testing.T) {
	cache, finder, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.GetCachedStatus(ctx, "round-1"); err != nil {
		t.Fatalf("GetCachedStatus failed: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := cache.GetCachedStatus(ctx, "round-1"); err != nil {
		t.Fatalf("GetCachedStatus failed: %v", err)
	}
	if finder.callCount() != 2 {
		t.Fatalf("entry aged exactly TTL must be reloaded: calls=%d", finder.callCount())
	}
}

func TestGetCachedStatusNotFoundIsNotCached(t *testing.T) {
	cache, finder, clock := newTestCache(t)
	ctx := context.Background()

	_, err := cache.GetCachedStatus(ctx, "round-2")
	if !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("unexpected error: got=%v want=%v", err, ErrRoundNotFound)
	}

	start := clock.Now().Add(time.Minute)
	finder.put(types.Round{ID: "round-2", StartAt: start, EndAt: start.Add(time.Minute)})

	got, err := cache.GetCachedStatus(ctx, "round-2")
	if err != nil {
		t.Fatalf("round created after a miss should be visible immediately: %v", err)
	}
	if got.ID != "round-2" {
		t.Fatalf("unexpected round: got=%q", got.ID)
	}
	if finder.callCount() != 2 {
		t.Fatalf("negative result must not be cached: calls=%d", finder.callCount())
	}
}

func TestGetCachedStatusStoreError(t *testing.T) {
	cache, finder, _ := newTestCache(t)
	finder.err = errors.New("disk on fire")

	_, err := cache.GetCachedStatus(context.Background(), "round-1")
	if err == nil {
		t.Fatalf("store error should be surfaced")
	}
	if errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("store error must not look like not found: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("failed load must not populate the cache: len=%d", cache.Len())
	}
}

func TestGetCachedStatusConcurrent(t *testing.T) {
	cache, finder, _ := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.GetCachedStatus(ctx, "round-1")
			if err != nil {
				t.Errorf("GetCachedStatus failed: %v", err)
				return
			}
			if got.ID != "round-1" {
				t.Errorf("unexpected round: got=%q", got.ID)
			}
		}()
	}
	wg.Wait()

	// 時計は止まっているので最初の読み込み以降はすべてキャッシュヒットになる
	if calls := finder.callCount(); calls != 1 {
		t.Fatalf("concurrent misses should share one store read: calls=%d", calls)
	}
	if cache.Len() != 1 {
		t.Fatalf("unexpected cache size: got=%d want=1", cache.Len())
	}
}

// gatedFinder は release が閉じられるか ctx が終わるまで読み込みを返さない
type gatedFinder struct {
	round   types.Round
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (f *gatedFinder) FindRound(ctx context.Context, id string) (*types.Round, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	close(f.entered)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
	}
	round := f.round
	return &round, nil
}

func TestGetCachedStatusFirstCallerCancelDoesNotFailOthers(t *testing.T) {
	now := time.Now()
	finder := &gatedFinder{
		round:   types.Round{ID: "r1", StartAt: now.Add(-time.Second), EndAt: now.Add(time.Minute)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(finder, Options{TTL: time.Second})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetCachedStatus(firstCtx, "r1")
		firstErr <- err
	}()
	<-finder.entered

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should see its own cancellation: got=%v", err)
	}

	type result struct {
		status CachedRoundStatus
		err    error
	}
	second := make(chan result, 1)
	go func() {
		status, err := c.GetCachedStatus(context.Background(), "r1")
		second <- result{status, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(finder.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("waiting caller should not inherit the cancellation: %v", res.err)
	}
	if res.status.Status != types.RoundStatusActive {
		t.Fatalf("unexpected status: got=%q", res.status.Status)
	}

	finder.mu.Lock()
	calls := finder.calls
	finder.mu.Unlock()
	if calls != 1 {
		t.Fatalf("store should be read once: got=%d want=1", calls)
	}
}
