package cli

import (
	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var (
	showCoins []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest cached prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Coins: showCoins})
	},
}

func init() {
	showCmd.Flags().StringSliceVar(&showCoins, "coins", nil, "Coins to display (defaults to the monitored assets)")
}
