package cli

import (
	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var checkPair int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe drift and volatility gates without executing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{Pair: checkPair})
	},
}

func init() {
	checkCmd.Flags().IntVar(&checkPair, "pair", -1, "Index of the configured pair to probe (default: all)")
}
