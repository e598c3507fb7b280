package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"vault-rebalancer/internal/engine"
)

// RebalanceOnce executes a single engine pass for one configured pair,
// persisting the outcome when a database is configured.
func (a *App) RebalanceOnce(ctx context.Context, opts RebalanceOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	wired, err := a.buildCore(ctx, newStorageSinks(store))
	if err != nil {
		return err
	}
	pairs, err := a.pairParams()
	if err != nil {
		return err
	}
	selected, err := selectPairs(pairs, opts.Pair)
	if err != nil {
		return err
	}
	if len(selected) != 1 {
		return errors.New("rebalance requires exactly one pair; use --pair")
	}
	pair := selected[0]
	if err := a.verifyPairs(ctx, wired.venue, selected); err != nil {
		return err
	}

	record, err := wired.engine.Rebalance(ctx, wired.client.Operator(), wired.vault, pair)
	if err != nil {
		if errors.Is(err, engine.ErrRebalanceNotNeeded) {
			fmt.Fprintln(os.Stdout, "rebalance not needed: gates did not clear")
			return nil
		}
		return err
	}

	fmt.Fprintf(os.Stdout, "rebalanced vault %s: sold %d %s, bought %d %s (volatility %d bps)\n",
		shorten(record.Vault.Hex()),
		record.AmountSold, assetLabel(record.AssetSold),
		record.AmountBought, assetLabel(record.AssetBought),
		record.VolatilityBps,
	)
	return nil
}
