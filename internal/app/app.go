package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coinwatch/internal/alerting"
	"coinwatch/internal/api"
	"coinwatch/internal/cache"
	"coinwatch/internal/config"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/logging"
	"coinwatch/internal/realtime"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/service"
	"coinwatch/internal/storage"
	"coinwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// root is handed to components, which tag it with their own name.
	root zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), root: logger}
}

func (a *App) newSource() fetcher.PriceSource {
	cfg := a.Config.CoinGecko
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:     cfg.BaseURL,
		ProBaseURL:  cfg.ProBaseURL,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.RequestTimeout,
		UserAgent:   cfg.UserAgent,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
	}, a.root)
}

// newSink fans out to the log, the websocket hub and Telegram when enabled.
func (a *App) newSink(hub *realtime.Hub) alerting.Sink {
	sinks := []alerting.Sink{alerting.NewLogSink(a.root)}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.root))
	}
	return alerting.NewMultiSink(sinks...)
}

func (a *App) newEvaluator(store storage.AlertStore) *alerting.Evaluator {
	return alerting.NewEvaluator(store, a.root, alerting.WithWorkers(a.Config.Alerts.Workers))
}

// openStore opens the configured alert store. The locker is nil unless the
// backend supports advisory locks.
func (a *App) openStore(ctx context.Context) (storage.AlertStore, storage.AdvisoryLocker, func(), error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := storage.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store := storage.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	case config.DriverMongo:
		store, err := storage.NewMongoStore(ctx, cfg, a.root)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, nil, store.Close, nil
	case config.DriverMemory:
		a.Logger.Warn().Msg("store.driver=memory; alerts are not persisted across restarts")
		return storage.NewMemoryStore(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown store driver %q", storage.ErrNotConfigured, cfg.Driver)
	}
}

func (a *App) openCache(ctx context.Context) (*cache.Redis, func(), error) {
	client, err := cache.NewClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, err
	}
	c := cache.NewRedis(client, cache.RedisOptions{
		KeyPrefix:        a.Config.Redis.KeyPrefix,
		PriceTTL:         a.Config.Redis.PriceTTL,
		HistoryRetention: a.Config.Redis.HistoryRetention,
	}, a.root)
	return c, func() { _ = client.Close() }, nil
}

// Run executes the long-running monitoring service and, when enabled, the
// HTTP/WebSocket server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, locker, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	prices, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	var hub *realtime.Hub
	if a.Config.Server.Enabled {
		hub = realtime.NewHub(realtime.Options{
			MaxClients:     a.Config.Server.MaxClients,
			AllowedOrigins: a.Config.Server.AllowedOrigins,
		}, a.root)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.root)

	svc := service.New(sched, a.newSource(), prices, a.newEvaluator(store), a.newSink(hub), locker, service.Options{
		Assets:          a.Config.Assets,
		DispatchWorkers: a.Config.Scheduler.DispatchWorkers,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
	}, a.root)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Strs("assets", a.Config.Assets).Dur("interval", a.Config.Scheduler.Interval).Str("build", version.String()).Msg("starting monitoring service")
		return svc.Run(gctx)
	})
	if hub != nil {
		server := api.New(store, prices, hub, api.Options{
			Addr:           a.Config.Server.Addr,
			JWTSecret:      a.Config.Server.JWTSecret,
			AllowedOrigins: a.Config.Server.AllowedOrigins,
			ShutdownGrace:  a.Config.Server.ShutdownGrace,
		}, a.root)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting cached price history.
type ExportOptions struct {
	Coin      string
	Hours     int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
