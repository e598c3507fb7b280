package cli

import (
	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var rebalancePair int

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Execute a single rebalance pass for one configured pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RebalanceOnce(cmd.Context(), app.RebalanceOptions{Pair: rebalancePair})
	},
}

func init() {
	rebalanceCmd.Flags().IntVar(&rebalancePair, "pair", 0, "Index of the configured pair to rebalance")
}
