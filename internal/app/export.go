package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"coinwatch/internal/cache"
)

// Export renders cached price history of one coin as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Coin == "" {
		return errors.New("--coin is required")
	}

	prices, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	return a.exportFrom(ctx, prices, opts)
}

func (a *App) exportFrom(ctx context.Context, prices cache.PriceCache, opts ExportOptions) error {
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	points, err := prices.ReadHistory(ctx, opts.Coin, opts.Hours)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("coin", opts.Coin).Int("hours", opts.Hours).Msg("no history found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("coin", opts.Coin).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, opts.Coin, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.Coin, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []cache.HistoryPoint, max int) []cache.HistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]cache.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeHistoryCSV(path, coin string, points []cache.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"timestamp", "coin_id", "price_usd"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339Nano),
			coin,
			p.Price.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, coin string, points []cache.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Timestamp
		y[i] = p.Price.InexactFloat64()
	}
	// go-chart needs at least two points to draw a line
	if len(points) == 1 {
		x = append(x, x[0].Add(time.Second))
		y = append(y, y[0])
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    coin,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
