package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var (
	exportCoin      string
	exportHours     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cached price history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportHours < 1 || exportHours > 24 {
			return fmt.Errorf("--hours must be between 1 and 24")
		}

		opts := app.ExportOptions{
			Coin:      exportCoin,
			Hours:     exportHours,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCoin, "coin", "", "Coin id to export, e.g. bitcoin")
	exportCmd.Flags().IntVar(&exportHours, "hours", 24, "History window in hours (1-24)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	_ = exportCmd.MarkFlagRequired("coin")
}
