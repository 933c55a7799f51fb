package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/storage"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) index(entry string) int {
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeSource struct {
	quotes map[string]fetcher.Quote
	err    error
	calls  int
	onCall func()
}

func (f *fakeSource) FetchPrices(_ context.Context, _ []string) (map[string]fetcher.Quote, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	return f.quotes, f.err
}

type fakeCache struct {
	mu      sync.Mutex
	batches []map[string]cache.PriceSnapshot
	err     error
}

func (f *fakeCache) WriteBatch(_ context.Context, batch map[string]cache.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *fakeCache) ReadLatest(context.Context, string) (*cache.PriceSnapshot, error) {
	return nil, nil
}

func (f *fakeCache) ReadHistory(context.Context, string, int) ([]cache.HistoryPoint, error) {
	return nil, nil
}

type fakeEvaluator struct {
	log     *eventLog
	results map[string][]alerting.AlertTriggered
	onCall  func()
}

func (f *fakeEvaluator) Evaluate(_ context.Context, assetID string, price decimal.Decimal) []alerting.AlertTriggered {
	if f.onCall != nil {
		f.onCall()
	}
	f.log.add("eval:%s:%s", assetID, price)
	return f.results[assetID]
}

type fakeSink struct {
	log *eventLog
	err error
}

func (f *fakeSink) PublishPriceUpdate(_ context.Context, u alerting.PriceUpdate) error {
	f.log.add("price:%s", u.AssetID)
	return f.err
}

func (f *fakeSink) PublishAlertTriggered(_ context.Context, a alerting.AlertTriggered) error {
	f.log.add("alert:%s:%s", a.OwnerID, a.AlertID)
	return f.err
}

type fakeLocker struct {
	acquired bool
	unlocked bool
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

var tickAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quote(price string) fetcher.Quote {
	return fetcher.Quote{Price: decimal.RequireFromString(price)}
}

func TestTickFetchFailureTouchesNothing(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{err: fmt.Errorf("%w after 3 attempts", fetcher.ErrRateLimited)}
	priceCache := &fakeCache{}
	svc := New(nil, source, priceCache, &fakeEvaluator{log: log}, &fakeSink{log: log}, nil,
		Options{Assets: []string{"bitcoin", "ethereum"}}, zerolog.Nop())

	err := svc.Tick(context.Background(), tickAt)
	if !errors.Is(err, fetcher.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if len(priceCache.batches) != 0 {
		t.Fatal("cache must not be written after a fetch failure")
	}
	if entries := log.snapshot(); len(entries) != 0 {
		t.Fatalf("nothing should be published or evaluated, got %v", entries)
	}
	if svc.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", svc.State())
	}
}

func TestTickDispatchesResolvedAssetsOnly(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{quotes: map[string]fetcher.Quote{
		"bitcoin":  quote("64000"),
		"ethereum": quote("3000"),
	}}
	priceCache := &fakeCache{}
	svc := New(nil, source, priceCache, &fakeEvaluator{log: log}, &fakeSink{log: log}, nil,
		Options{Assets: []string{"bitcoin", "ethereum", "unknowncoin"}}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	for _, entry := range log.snapshot() {
		if entry == "price:unknowncoin" || entry == "eval:unknowncoin" {
			t.Fatalf("unresolved asset must not be dispatched: %v", log.snapshot())
		}
	}
	if len(priceCache.batches) != 1 {
		t.Fatalf("expected exactly one cache write, got %d", len(priceCache.batches))
	}
	batch := priceCache.batches[0]
	if len(batch) != 2 {
		t.Fatalf("batch should hold both resolved assets, got %d", len(batch))
	}
	if _, ok := batch["unknowncoin"]; ok {
		t.Fatal("unresolved asset must not be cached")
	}
	if !batch["bitcoin"].ObservedAt.Equal(tickAt) {
		t.Fatalf("missing observedAt should default to tick time, got %s", batch["bitcoin"].ObservedAt)
	}
}

func TestTickPublishesPriceBeforeEvaluation(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{quotes: map[string]fetcher.Quote{
		"bitcoin":  quote("49"),
		"ethereum": quote("10"),
		"solana":   quote("150"),
	}}
	evaluator := &fakeEvaluator{log: log, results: map[string][]alerting.AlertTriggered{
		"bitcoin": {{AlertID: "A", OwnerID: "user-a", AssetID: "bitcoin"}},
	}}
	svc := New(nil, source, &fakeCache{}, evaluator, &fakeSink{log: log}, nil,
		Options{Assets: []string{"bitcoin", "ethereum", "solana"}, DispatchWorkers: 3}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	for _, tc := range []struct{ asset, price string }{{"bitcoin", "49"}, {"ethereum", "10"}, {"solana", "150"}} {
		p := log.index("price:" + tc.asset)
		e := log.index("eval:" + tc.asset + ":" + tc.price)
		if p < 0 || e < 0 || p > e {
			t.Fatalf("price update for %s must precede evaluation: %v", tc.asset, log.snapshot())
		}
	}
	a := log.index("alert:user-a:A")
	if a < log.index("eval:bitcoin:49") {
		t.Fatalf("alert must be published after evaluation: %v", log.snapshot())
	}
	if got := len(log.snapshot()); got != 7 {
		t.Fatalf("expected 7 log entries, got %d: %v", got, log.snapshot())
	}
}

func TestTickWritesCacheAfterDispatch(t *testing.T) {
	log := &eventLog{}
	priceCache := &fakeCache{}
	evaluator := &fakeEvaluator{log: log}
	evaluator.onCall = func() {
		priceCache.mu.Lock()
		defer priceCache.mu.Unlock()
		if len(priceCache.batches) != 0 {
			t.Error("cache written before dispatch finished")
		}
	}
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("1"), "ethereum": quote("2")}}
	svc := New(nil, source, priceCache, evaluator, &fakeSink{log: log}, nil, Options{Assets: []string{"bitcoin", "ethereum"}}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(priceCache.batches) != 1 {
		t.Fatalf("expected one write, got %d", len(priceCache.batches))
	}
}

func TestTickCacheErrorIsNotFatal(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("1")}}
	priceCache := &fakeCache{err: cache.ErrCacheIO}
	svc := New(nil, source, priceCache, &fakeEvaluator{log: log}, &fakeSink{log: log}, nil, Options{Assets: []string{"bitcoin"}}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("cache errors should be logged, not returned: %v", err)
	}
	if err := svc.Tick(context.Background(), tickAt.Add(30*time.Second)); err != nil {
		t.Fatalf("next tick should proceed: %v", err)
	}
	if source.calls != 2 || len(priceCache.batches) != 2 {
		t.Fatalf("calls=%d writes=%d", source.calls, len(priceCache.batches))
	}
}

func TestTickSinkFailureDoesNotStopEvaluation(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("1")}}
	svc := New(nil, source, &fakeCache{}, &fakeEvaluator{log: log}, &fakeSink{log: log, err: errors.New("socket closed")}, nil,
		Options{Assets: []string{"bitcoin"}}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if log.index("eval:bitcoin:1") < 0 {
		t.Fatal("evaluation should run even when the price publish fails")
	}
}

func TestTickStateTransitions(t *testing.T) {
	log := &eventLog{}
	var svc *Service
	var fetchState, dispatchState State
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("1")}}
	source.onCall = func() { fetchState = svc.State() }
	evaluator := &fakeEvaluator{log: log, onCall: func() { dispatchState = svc.State() }}
	svc = New(nil, source, &fakeCache{}, evaluator, &fakeSink{log: log}, nil, Options{Assets: []string{"bitcoin"}}, zerolog.Nop())

	if svc.State() != StateIdle {
		t.Fatalf("initial state = %s", svc.State())
	}
	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fetchState != StateFetching || dispatchState != StateDispatching || svc.State() != StateIdle {
		t.Fatalf("states fetch=%s dispatch=%s end=%s", fetchState, dispatchState, svc.State())
	}
}

func TestTickSkippedWhenLockHeldElsewhere(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("1")}}
	locker := &fakeLocker{}
	svc := New(nil, source, &fakeCache{}, &fakeEvaluator{log: log}, &fakeSink{log: log}, locker,
		Options{Assets: []string{"bitcoin"}, LockKey: 42}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if source.calls != 0 {
		t.Fatal("fetch must not run without the lock")
	}

	locker.acquired = true
	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if source.calls != 1 || !locker.unlocked {
		t.Fatalf("calls=%d unlocked=%v", source.calls, locker.unlocked)
	}
}

func TestTickEndToEndWithMemoryStore(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put(storage.AlertRecord{ID: "A", OwnerID: "user-a", AssetID: "bitcoin", Threshold: decimal.NewFromInt(50), Condition: storage.ConditionBelow, CreatedAt: tickAt})
	store.Put(storage.AlertRecord{ID: "B", OwnerID: "user-b", AssetID: "bitcoin", Threshold: decimal.NewFromInt(50), Condition: storage.ConditionAbove, CreatedAt: tickAt})

	log := &eventLog{}
	evaluator := alerting.NewEvaluator(store, zerolog.Nop())
	source := &fakeSource{quotes: map[string]fetcher.Quote{"bitcoin": quote("49")}}
	svc := New(nil, source, &fakeCache{}, evaluator, &fakeSink{log: log}, nil, Options{Assets: []string{"bitcoin"}}, zerolog.Nop())

	if err := svc.Tick(context.Background(), tickAt); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := svc.Tick(context.Background(), tickAt.Add(30*time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	alerts := 0
	for _, e := range log.snapshot() {
		if e == "alert:user-b:B" {
			t.Fatal("B must not trigger")
		}
		if e == "alert:user-a:A" {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("A should trigger exactly once across ticks, got %d", alerts)
	}
}
