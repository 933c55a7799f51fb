package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every firing that is not skipped.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval       time.Duration
	AlignToStart   bool
	StartupDelay   time.Duration
	RunImmediately bool
}

// Scheduler fires a tick function periodically. Ticks never overlap: a firing
// that arrives while the previous tick is still running is dropped and counted.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	running   atomic.Bool
	skipped   atomic.Int64
	completed atomic.Int64
	inflight  sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Skipped returns how many firings were dropped because a tick was running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Completed returns how many ticks have finished.
func (s *Scheduler) Completed() int64 { return s.completed.Load() }

// Running reports whether a tick is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Run blocks, firing tick at each interval until ctx is cancelled. On
// cancellation no new tick starts and Run waits for the in-flight one.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.inflight.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.Trigger(ctx, time.Now().UTC(), tick)
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Int64("completed", s.Completed()).Int64("skipped", s.Skipped()).Msg("scheduler stopping")
			return ctx.Err()
		case <-timer.C:
		}

		s.Trigger(ctx, s.bucketStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

// Trigger starts tick in its own goroutine unless one is already running, in
// which case the firing is dropped and false is returned. The tick keeps
// running to completion if ctx is cancelled after it started.
func (s *Scheduler) Trigger(ctx context.Context, at time.Time, tick TickFunc) bool {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.logger.Warn().Time("tick", at).Int64("skipped_total", n).Msg("previous tick still running, skipping")
		return false
	}

	s.inflight.Add(1)
	go func() {
		defer func() {
			s.completed.Add(1)
			s.running.Store(false)
			s.inflight.Done()
		}()

		start := time.Now()
		if err := tick(context.WithoutCancel(ctx), at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
			return
		}
		s.logger.Debug().Time("tick", at).Dur("took", time.Since(start)).Msg("tick finished")
	}()
	return true
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
