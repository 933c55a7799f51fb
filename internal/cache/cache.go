package cache

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCacheIO wraps failures talking to the cache backend.
var ErrCacheIO = errors.New("cache: io error")

// PriceSnapshot is the latest known price of one coin.
type PriceSnapshot struct {
	AssetID    string
	Price      decimal.Decimal
	Change24h  decimal.NullDecimal
	ObservedAt time.Time
}

// HistoryPoint is one entry of a coin's rolling price history.
type HistoryPoint struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceCache stores the latest snapshot per coin with a TTL plus a
// time-bounded history series.
type PriceCache interface {
	// WriteBatch writes every snapshot in one round trip. There is no
	// cross-asset atomicity.
	WriteBatch(ctx context.Context, batch map[string]PriceSnapshot) error
	// ReadLatest returns nil when the entry is absent or older than the TTL.
	ReadLatest(ctx context.Context, assetID string) (*PriceSnapshot, error)
	// ReadHistory returns points within the last hours, ascending.
	ReadHistory(ctx context.Context, assetID string, hours int) ([]HistoryPoint, error)
}
