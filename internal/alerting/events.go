package alerting

import (
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/storage"
)

const (
	KindPriceUpdate    = "price_update"
	KindAlertTriggered = "alertTriggered"
)

// Event is a notification produced by a tick. The set of events is closed.
type Event interface {
	Kind() string
	sealed()
}

// PriceUpdate is broadcast once per coin per tick.
type PriceUpdate struct {
	AssetID   string
	Price     decimal.Decimal
	Change24h decimal.NullDecimal
	Time      time.Time
}

func (PriceUpdate) Kind() string { return KindPriceUpdate }
func (PriceUpdate) sealed()      {}

// AlertTriggered is delivered to the alert owner only.
type AlertTriggered struct {
	AlertID      string
	OwnerID      string
	AssetID      string
	Condition    storage.Condition
	Threshold    decimal.Decimal
	CurrentPrice decimal.Decimal
	TriggeredAt  time.Time
}

func (AlertTriggered) Kind() string { return KindAlertTriggered }
func (AlertTriggered) sealed()      {}
