package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCoin  string
	simulatePrice string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以给定价格模拟一次 tick 并触发匹配的告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		coin := strings.TrimSpace(simulateCoin)
		if coin == "" {
			return errors.New("--coin 不能为空")
		}
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}
		if !price.IsPositive() {
			return errors.New("--price 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), coin, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCoin, "coin", "", "币种 id，例如 bitcoin")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "模拟的 USD 价格")
}
