package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var (
	simulatePair       int
	simulateSell       int64
	simulateBuy        int64
	simulateVolatility int64
	simulateMantissa   int64
	simulateExponent   int32
	simulateRate       string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-rebalance",
	Short: "Run one rebalance pass against in-memory stand-ins",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSell < 0 || simulateBuy < 0 {
			return errors.New("--sell and --buy must be non-negative")
		}

		rate, err := decimal.NewFromString(simulateRate)
		if err != nil {
			return fmt.Errorf("invalid --rate value: %w", err)
		}

		return getApp().SimulateRebalance(cmd.Context(), app.SimulateOptions{
			Pair:          simulatePair,
			SellBalance:   simulateSell,
			BuyBalance:    simulateBuy,
			VolatilityBps: simulateVolatility,
			PriceMantissa: simulateMantissa,
			Exponent:      simulateExponent,
			Rate:          rate,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulatePair, "pair", 0, "Index of the configured pair to simulate")
	simulateCmd.Flags().Int64Var(&simulateSell, "sell", 12000, "Starting sell-side balance in smallest units")
	simulateCmd.Flags().Int64Var(&simulateBuy, "buy", 8000, "Starting buy-side balance in smallest units")
	simulateCmd.Flags().Int64Var(&simulateVolatility, "volatility", 0, "Reported volatility in basis points")
	simulateCmd.Flags().Int64Var(&simulateMantissa, "price-mantissa", 0, "Feed price mantissa (default 10^8)")
	simulateCmd.Flags().Int32Var(&simulateExponent, "price-exponent", 0, "Feed price exponent (default -8)")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "1", "Venue exchange rate (output units per input unit)")
}
