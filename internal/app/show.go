package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"coinwatch/internal/cache"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Coins []string
}

// Show prints the latest cached price of each monitored coin.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	prices, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	coins := opts.Coins
	if len(coins) == 0 {
		coins = a.Config.Assets
	}
	return writeLatest(ctx, os.Stdout, prices, coins)
}

func writeLatest(ctx context.Context, out io.Writer, prices cache.PriceCache, coins []string) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Coin\tPrice (USD)\t24h %\tObserved (UTC)")

	for _, coin := range coins {
		snap, err := prices.ReadLatest(ctx, coin)
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\n", coin)
			continue
		}
		change := "-"
		if snap.Change24h.Valid {
			change = snap.Change24h.Decimal.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			coin,
			snap.Price.String(),
			change,
			snap.ObservedAt.UTC().Format(time.RFC3339),
		)
	}

	return writer.Flush()
}
