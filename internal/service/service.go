package service

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/storage"
)

const defaultDispatchWorkers = 4

// State is the tick pipeline phase.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "FETCHING"
	case StateDispatching:
		return "DISPATCHING"
	default:
		return "IDLE"
	}
}

// Evaluator checks alerts of one coin against a fresh price.
type Evaluator interface {
	Evaluate(ctx context.Context, assetID string, price decimal.Decimal) []alerting.AlertTriggered
}

// Options tune the tick pipeline.
type Options struct {
	Assets          []string
	DispatchWorkers int
	LockKey         int64
}

// Service runs one fetch, dispatch, cache-write cycle per scheduler tick.
type Service struct {
	scheduler *scheduler.Scheduler
	source    fetcher.PriceSource
	cache     cache.PriceCache
	evaluator Evaluator
	sink      alerting.Sink
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger

	state atomic.Int32
}

// New constructs the monitoring service. sched and locker may be nil.
func New(sched *scheduler.Scheduler, source fetcher.PriceSource, priceCache cache.PriceCache, evaluator Evaluator, sink alerting.Sink, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = defaultDispatchWorkers
	}
	if sink == nil {
		sink = alerting.NewMultiSink()
	}
	return &Service{
		scheduler: sched,
		source:    source,
		cache:     priceCache,
		evaluator: evaluator,
		sink:      sink,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the periodic loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// State returns the current pipeline phase.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

// Tick 执行一次完整的拉取、分发与缓存写入。
// A fetch failure ends the tick with nothing published, evaluated or cached.
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	s.setState(StateFetching)
	defer s.setState(StateIdle)

	quotes, err := s.source.FetchPrices(ctx, s.opts.Assets)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}

	s.setState(StateDispatching)
	batch := toSnapshots(quotes, at)
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var triggered atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.DispatchWorkers)
	for _, id := range ids {
		snap := batch[id]
		g.Go(func() error {
			triggered.Add(int64(s.dispatch(ctx, snap, at)))
			return nil
		})
	}
	_ = g.Wait()

	if err := s.cache.WriteBatch(ctx, batch); err != nil {
		s.logger.Error().Err(err).Int("assets", len(batch)).Msg("cache write failed")
	}

	s.logger.Info().Time("tick", at).
		Int("requested", len(s.opts.Assets)).
		Int("fetched", len(batch)).
		Int64("triggered", triggered.Load()).
		Dur("took", time.Since(start)).
		Msg("tick complete")
	return nil
}

// dispatch publishes the price update before evaluating alerts of the coin.
func (s *Service) dispatch(ctx context.Context, snap cache.PriceSnapshot, at time.Time) int {
	update := alerting.PriceUpdate{
		AssetID:   snap.AssetID,
		Price:     snap.Price,
		Change24h: snap.Change24h,
		Time:      at,
	}
	if err := s.sink.PublishPriceUpdate(ctx, update); err != nil {
		s.logger.Warn().Err(err).Str("asset", snap.AssetID).Msg("publish price update failed")
	}

	if s.evaluator == nil {
		return 0
	}
	events := s.evaluator.Evaluate(ctx, snap.AssetID, snap.Price)
	for _, ev := range events {
		if err := s.sink.PublishAlertTriggered(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("alert_id", ev.AlertID).Str("owner", ev.OwnerID).Msg("publish alert failed")
		}
	}
	return len(events)
}

func toSnapshots(quotes map[string]fetcher.Quote, at time.Time) map[string]cache.PriceSnapshot {
	batch := make(map[string]cache.PriceSnapshot, len(quotes))
	for id, q := range quotes {
		observed := q.ObservedAt
		if observed.IsZero() {
			observed = at
		}
		batch[id] = cache.PriceSnapshot{
			AssetID:    id,
			Price:      q.Price,
			Change24h:  q.Change24h,
			ObservedAt: observed.UTC().Truncate(time.Millisecond),
		}
	}
	return batch
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
