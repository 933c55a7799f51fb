package alerting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Sink delivers notification events. AlertTriggered carries its owner id.
type Sink interface {
	PublishPriceUpdate(ctx context.Context, update PriceUpdate) error
	PublishAlertTriggered(ctx context.Context, alert AlertTriggered) error
}

// MultiSink fans every event out to all of its sinks. One failing sink does
// not stop delivery to the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink skips nil sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) PublishPriceUpdate(ctx context.Context, update PriceUpdate) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.PublishPriceUpdate(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) PublishAlertTriggered(ctx context.Context, alert AlertTriggered) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.PublishAlertTriggered(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (l *LogSink) PublishPriceUpdate(_ context.Context, update PriceUpdate) error {
	evt := l.logger.Debug().Str("asset", update.AssetID).Str("price", update.Price.String())
	if update.Change24h.Valid {
		evt = evt.Str("change_24h", update.Change24h.Decimal.String())
	}
	evt.Msg("price update")
	return nil
}

func (l *LogSink) PublishAlertTriggered(_ context.Context, alert AlertTriggered) error {
	l.logger.Info().
		Str("alert_id", alert.AlertID).
		Str("owner", alert.OwnerID).
		Str("asset", alert.AssetID).
		Str("condition", string(alert.Condition)).
		Str("threshold", alert.Threshold.String()).
		Str("price", alert.CurrentPrice.String()).
		Time("triggered_at", alert.TriggeredAt).
		Msg("告警触发")
	return nil
}

var (
	_ Sink = (*MultiSink)(nil)
	_ Sink = (*LogSink)(nil)
)
