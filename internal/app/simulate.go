package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/service"
	"coinwatch/internal/storage"
)

// SimulateAlert 用给定价格跑一次完整 tick：真实告警库与通知通道，但不写缓存。
func (a *App) SimulateAlert(ctx context.Context, coin string, price decimal.Decimal) error {
	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.simulate(ctx, store, a.newSink(nil), coin, price)
}

func (a *App) simulate(ctx context.Context, store storage.AlertStore, sink alerting.Sink, coin string, price decimal.Decimal) error {
	source := &staticSource{quotes: map[string]fetcher.Quote{coin: {Price: price}}}
	svc := service.New(nil, source, discardCache{}, a.newEvaluator(store), sink, nil, service.Options{
		Assets: []string{coin},
	}, a.root)

	return svc.Tick(ctx, time.Now().UTC())
}

type staticSource struct {
	quotes map[string]fetcher.Quote
}

func (s *staticSource) FetchPrices(context.Context, []string) (map[string]fetcher.Quote, error) {
	return s.quotes, nil
}

// discardCache keeps simulated prices out of the real cache.
type discardCache struct{}

func (discardCache) WriteBatch(context.Context, map[string]cache.PriceSnapshot) error { return nil }

func (discardCache) ReadLatest(context.Context, string) (*cache.PriceSnapshot, error) {
	return nil, nil
}

func (discardCache) ReadHistory(context.Context, string, int) ([]cache.HistoryPoint, error) {
	return nil, nil
}

var (
	_ fetcher.PriceSource = (*staticSource)(nil)
	_ cache.PriceCache    = discardCache{}
)
