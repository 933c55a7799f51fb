package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimited means the upstream kept answering 429 until retries ran out.
	ErrRateLimited = errors.New("fetcher: upstream rate limited")
	// ErrUnavailable covers transport failures, non-2xx answers and malformed bodies.
	ErrUnavailable = errors.New("fetcher: upstream unavailable")
	// ErrNoAssets is returned when no asset id was requested.
	ErrNoAssets = errors.New("fetcher: no asset ids requested")
)

// Quote is one upstream price observation.
type Quote struct {
	Price      decimal.Decimal
	Change24h  decimal.NullDecimal
	ObservedAt time.Time // zero when the upstream omits it
}

// PriceSource retrieves current USD prices for a batch of coin ids.
// Ids the upstream cannot resolve are absent from the result.
type PriceSource interface {
	FetchPrices(ctx context.Context, assetIDs []string) (map[string]Quote, error)
}
