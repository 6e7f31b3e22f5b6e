package tapbuffer

import (
	"context"
	"testing"
	"time"
)

func TestDeadlineFlushAtRoundEnd(t *testing.T) {
	store := newMemStore()
	deadlines := newStaticDeadlines()
	endAt := time.Now().Add(150 * time.Millisecond)
	deadlines.set("round-1", endAt)
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = a.RecordTap(ctx, "round-1", "alice", 1)
	}
	if store.count("round-1", "alice") != 0 {
		t.Fatalf("taps should stay buffered before round end")
	}

	waitFor(t, 3*time.Second, func() bool {
		return store.count("round-1", "alice") == 3
	}, "deadline flush")

	if time.Now().Before(endAt) {
		t.Fatalf("deadline flush fired before round end")
	}
	if store.writeCount() != 1 {
		t.Fatalf("deadline flush should write once: writes=%d", store.writeCount())
	}
	if _, ok := a.Peek("round-1", "alice"); ok {
		t.Fatalf("entry should be removed by the deadline flush")
	}
	if state, _ := a.schedule.state("round-1"); state != scheduleFired {
		t.Fatalf("schedule should be fired: state=%v", state)
	}

	// fired のラウンドは再度スケジュールされない
	_ = a.RecordTap(ctx, "round-1", "alice", 1)
	time.Sleep(100 * time.Millisecond)
	if pending, ok := a.Peek("round-1", "alice"); !ok || pending != 1 {
		t.Fatalf("late tap should wait for the sweep: got=%d ok=%v", pending, ok)
	}
}

func TestArmPastDeadlineFlushesSynchronously(t *testing.T) {
	store := newMemStore()
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(-time.Second))
	a := newTestAggregator(t, store, deadlines, Options{BlockSize: 10})

	if err := a.RecordTap(context.Background(), "round-1", "alice", 3); err != nil {
		t.Fatalf("RecordTap failed: %v", err)
	}

	if got := store.count("round-1", "alice"); got != 3 {
		t.Fatalf("ended round should flush before RecordTap returns: got=%d want=3", got)
	}
	if state, _ := a.schedule.state("round-1"); state != scheduleFired {
		t.Fatalf("schedule should be fired: state=%v", state)
	}
}

func TestArmUnknownRoundLeavesEntryForSweep(t *testing.T) {
	store := newMemStore()
	a := newTestAggregator(t, store, newStaticDeadlines(), Options{})

	if err := a.RecordTap(context.Background(), "ghost", "alice", 2); err != nil {
		t.Fatalf("RecordTap failed: %v", err)
	}
	if _, ok := a.schedule.state("ghost"); ok {
		t.Fatalf("unknown round must not be armed")
	}
	if pending, _ := a.Peek("ghost", "alice"); pending != 2 {
		t.Fatalf("tap should still be buffered: got=%d", pending)
	}
}

func TestForgetRoundCancelsDeadline(t *testing.T) {
	store := newMemStore()
	deadlines := newStaticDeadlines()
	deadlines.set("round-1", time.Now().Add(80*time.Millisecond))
	a := newTestAggregator(t, store, deadlines, Options{})
	ctx := context.Background()

	_ = a.RecordTap(ctx, "round-1", "alice", 2)
	a.ForgetRound("round-1")

	time.Sleep(300 * time.Millisecond)
	if store.writeCount() != 0 {
		t.Fatalf("forgotten round should not be flushed by its deadline: writes=%d", store.writeCount())
	}
	if _, ok := a.schedule.state("round-1"); ok {
		t.Fatalf("schedule entry should be removed")
	}
}
