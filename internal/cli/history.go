package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var (
	historyLimit int
	historyVault string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent rebalance records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.HistoryOptions{
			Limit: historyLimit,
			Vault: historyVault,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of records to display")
	historyCmd.Flags().StringVar(&historyVault, "vault", "", "Filter records to one vault address")
}
