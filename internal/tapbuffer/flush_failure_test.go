package tapbuffer

import (
	"context"
	"testing"
	"time"
)

func TestFlushRetriesSameDelta(t *testing.T) {
	store := newMemStore()
	store.failNext = 2
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(time.Hour))
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 5, Retries: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = a.RecordTap(ctx, "round-1", "alice", 1)
	}

	if got := store.count("round-1", "alice"); got != 5 {
		t.Fatalf("retried delta should land once: got=%d want=5", got)
	}
	if store.writeCount() != 1 {
		t.Fatalf("only the successful attempt should write: writes=%d", store.writeCount())
	}
	if a.Len() != 0 {
		t.Fatalf("entry should be gone after successful retry: len=%d", a.Len())
	}
}

func TestFlushFailureKeepsDeltaInMemory(t *testing.T) {
	store := newMemStore()
	store.setFailAll(true)
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(time.Hour))
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 5, Retries: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := a.RecordTap(ctx, "round-1", "alice", 1); err != nil {
			t.Fatalf("RecordTap should not surface flush errors: %v", err)
		}
	}

	pending, ok := a.Peek("round-1", "alice")
	if !ok || pending != 5 {
		t.Fatalf("failed delta should be restored: got=%d ok=%v", pending, ok)
	}

	// 失敗中に届いたタップも失われない
	_ = a.RecordTap(ctx, "round-1", "bob", 2)
	if err := a.FlushRound(ctx, "round-1"); err == nil {
		t.Fatalf("FlushRound should report the failure")
	}
	if pending, _ := a.Peek("round-1", "alice"); pending != 5 {
		t.Fatalf("alice delta should survive a failed deadline flush: got=%d", pending)
	}
	if pending, _ := a.Peek("round-1", "bob"); pending != 2 {
		t.Fatalf("bob delta should survive a failed deadline flush: got=%d", pending)
	}

	store.setFailAll(false)
	if err := a.FlushRound(ctx, "round-1"); err != nil {
		t.Fatalf("FlushRound after recovery failed: %v", err)
	}
	if got := store.count("round-1", "alice"); got != 5 {
		t.Fatalf("restored delta should be written exactly once: got=%d want=5", got)
	}
	if got := store.count("round-1", "bob"); got != 2 {
		t.Fatalf("unexpected bob count: got=%d want=2", got)
	}
	if a.Len() != 0 {
		t.Fatalf("buffer should be empty: len=%d", a.Len())
	}
}

func TestRestoreMergesWithNewerTaps(t *testing.T) {
	store := newMemStore()
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(time.Hour))
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 100})
	ctx := context.Background()

	_ = a.RecordTap(ctx, "round-1", "alice", 3)
	a.restore(tapKey{roundID: "round-1", userID: "alice"}, 7)

	if pending, _ := a.Peek("round-1", "alice"); pending != 10 {
		t.Fatalf("restore should add to the live entry: got=%d want=10", pending)
	}
}

func TestCloseReportsUnflushedTaps(t *testing.T) {
	store := newMemStore()
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(time.Hour))
	a := newTestAggregator(t, store, deadlines, Options{Retries: 0})
	ctx := context.Background()

	_ = a.RecordTap(ctx, "round-1", "alice", 4)
	store.setFailAll(true)

	if err := a.Close(ctx); err == nil {
		t.Fatalf("Close should report taps it could not write")
	}
	if pending := a.Pending(); pending != 4 {
		t.Fatalf("unwritten taps should remain visible: pending=%d want=4", pending)
	}
}

func TestFlushStopsRetryingWhenCallerGivesUp(t *testing.T) {
	store := newMemStore()
	store.setFailAll(true)
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(time.Hour))
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 5, Retries: 5, RetryWait: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 4; i++ {
		_ = a.RecordTap(ctx, "round-1", "alice", 1)
	}
	cancel()

	started := time.Now()
	_ = a.RecordTap(ctx, "round-1", "alice", 1)
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("retries should stop once the caller is gone: elapsed=%s", elapsed)
	}

	if got, _ := a.Peek("round-1", "alice"); got != 5 {
		t.Fatalf("delta should be back in memory: got=%d want=5", got)
	}
	store.setFailAll(false)
}
