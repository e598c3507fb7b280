package cli

import (
	"github.com/spf13/cobra"
)

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Display tracked and authoritative vault balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Balances(cmd.Context())
	},
}
