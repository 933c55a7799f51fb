package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll CoinGecko on a fixed cadence, cache prices and fire threshold alerts",
	Long:  "Starts the price scheduler and, when server.enabled is set, the HTTP/WebSocket API. Stops on SIGINT or SIGTERM after the in-flight tick finishes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
