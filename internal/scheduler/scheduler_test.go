package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	release := make(chan struct{})
	var calls atomic.Int32
	tick := func(ctx context.Context, at time.Time) error {
		calls.Add(1)
		<-release
		return nil
	}

	if !s.Trigger(context.Background(), time.Now(), tick) {
		t.Fatal("first trigger should start a tick")
	}
	if s.Trigger(context.Background(), time.Now(), tick) {
		t.Fatal("overlapping trigger should be dropped")
	}
	if s.Skipped() != 1 {
		t.Fatalf("skipped = %d, want 1", s.Skipped())
	}

	close(release)
	waitUntil(t, func() bool { return s.Completed() == 1 && !s.Running() })

	if !s.Trigger(context.Background(), time.Now(), tick) {
		t.Fatal("trigger after completion should run")
	}
	waitUntil(t, func() bool { return s.Completed() == 2 })
	if calls.Load() != 2 {
		t.Fatalf("tick calls = %d, want 2", calls.Load())
	}
	if s.Skipped() != 1 {
		t.Fatalf("skipped = %d, want 1", s.Skipped())
	}
}

func TestRunNeverOverlapsTicks(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	var active, maxActive atomic.Int32
	tick := func(ctx context.Context, at time.Time) error {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(35 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, tick)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}

	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent ticks = %d, want 1", maxActive.Load())
	}
	if s.Skipped() == 0 {
		t.Fatal("slow ticks should cause skipped firings")
	}
	if s.Completed() == 0 {
		t.Fatal("at least one tick should complete")
	}
	if active.Load() != 0 {
		t.Fatal("Run returned while a tick was still active")
	}
}

func TestRunWaitsForInflightTick(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())
	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool

	tick := func(ctx context.Context, at time.Time) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		finished.Store(true)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, tick) }()

	<-started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !finished.Load() {
		t.Fatal("Run must wait for the in-flight tick")
	}
	if sawCancel.Load() {
		t.Fatal("in-flight tick should not observe shutdown cancellation")
	}
	if s.Completed() != 1 {
		t.Fatalf("completed = %d, want 1", s.Completed())
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, StartupDelay: time.Hour, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	_ = s.Run(ctx, func(context.Context, time.Time) error { calls.Add(1); return nil })
	if calls.Load() != 0 {
		t.Fatal("no tick should run after cancellation during startup delay")
	}
}

func TestTickErrorStillCompletes(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	s.Trigger(context.Background(), time.Now(), func(context.Context, time.Time) error { return errors.New("boom") })
	waitUntil(t, func() bool { return s.Completed() == 1 && !s.Running() })
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 30 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)) {
		t.Fatalf("aligned next tick = %s", got)
	}
	onBoundary := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(30 * time.Second)) {
		t.Fatalf("boundary next tick = %s", got)
	}

	free := New(Options{Interval: 30 * time.Second}, zerolog.Nop())
	if got := free.nextTick(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("unaligned next tick = %s", got)
	}
}
