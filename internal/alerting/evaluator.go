package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"coinwatch/internal/storage"
)

const defaultWorkers = 8

// Evaluator compares a fresh price against the untriggered alerts of a coin
// and persists the triggered transition.
type Evaluator struct {
	store   storage.AlertStore
	workers int
	now     func() time.Time
	logger  zerolog.Logger
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithWorkers bounds concurrent MarkTriggered calls per Evaluate.
func WithWorkers(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the trigger timestamp source.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator builds an evaluator over the alert store.
func NewEvaluator(store storage.AlertStore, logger zerolog.Logger, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:   store,
		workers: defaultWorkers,
		now:     time.Now,
		logger:  logger.With().Str("component", "alert_evaluator").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns one AlertTriggered per alert whose condition is met at
// price and whose transition was persisted. Store failures are logged and
// only affect the alert involved.
func (e *Evaluator) Evaluate(ctx context.Context, assetID string, price decimal.Decimal) []AlertTriggered {
	alerts, err := e.store.FindUntriggeredByAsset(ctx, assetID)
	if err != nil {
		e.logger.Error().Err(err).Str("asset", assetID).Msg("load alerts failed, skipping evaluation")
		return nil
	}
	if len(alerts) == 0 {
		return nil
	}

	results := make([]*AlertTriggered, len(alerts))
	var g errgroup.Group
	g.SetLimit(e.workers)

	for i, alert := range alerts {
		if alert.Triggered || !alert.Condition.Crossed(price, alert.Threshold) {
			continue
		}
		g.Go(func() error {
			triggeredAt := e.now().UTC()
			if err := e.store.MarkTriggered(ctx, alert.ID, triggeredAt); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					e.logger.Debug().Str("alert_id", alert.ID).Msg("alert already triggered or removed")
				} else {
					e.logger.Error().Err(err).Str("alert_id", alert.ID).Str("asset", assetID).Msg("mark alert triggered failed")
				}
				return nil
			}
			results[i] = &AlertTriggered{
				AlertID:      alert.ID,
				OwnerID:      alert.OwnerID,
				AssetID:      alert.AssetID,
				Condition:    alert.Condition,
				Threshold:    alert.Threshold,
				CurrentPrice: price,
				TriggeredAt:  triggeredAt,
			}
			return nil
		})
	}
	_ = g.Wait()

	events := make([]AlertTriggered, 0, len(results))
	for _, ev := range results {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	if len(events) > 0 {
		e.logger.Info().Str("asset", assetID).Str("price", price.String()).Int("triggered", len(events)).Msg("alerts triggered")
	}
	return events
}
