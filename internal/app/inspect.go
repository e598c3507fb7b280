package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/engine"
	"vault-rebalancer/internal/storage"
)

// Check runs the read-only drift probe for one configured pair (or all when
// opts.Pair is negative) and prints the result.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	wired, err := a.buildCore(ctx, nil)
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

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sell\tBuy\tNeeded\tDrift (bps)")
	for _, pair := range selected {
		needed, drift, err := wired.engine.NeedsRebalancing(ctx, wired.vault, pair)
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%s\t%s\t%t\t%d\n", assetLabel(pair.SellAsset), assetLabel(pair.BuyAsset), needed, drift)
	}
	writer.Flush()
	return nil
}

// Balances prints tracked vs authoritative balances for every supported
// asset plus the native holding.
func (a *App) Balances(ctx context.Context) error {
	wired, err := a.buildCore(ctx, nil)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tTracked\tAuthoritative")
	for _, asset := range wired.vault.SupportedAssets() {
		authoritative, err := wired.vault.Balance(ctx, asset)
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\n", assetLabel(asset), wired.vault.TrackedBalance(asset), authoritative)
	}
	fmt.Fprintf(writer, "%s\t%d\t-\n", "native (tinybar)", wired.vault.NativeBalance())
	writer.Flush()
	return nil
}

// History prints recent rebalance records from the persistent log.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var rows []storage.RebalanceRow
	if opts.Vault != "" {
		rows, err = store.ListRebalancesByVault(ctx, opts.Vault)
	} else {
		rows, err = store.ListRecentRebalances(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no rebalance records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVault\tSold\tBought\tAmount Sold\tAmount Bought\tVolatility (bps)")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			row.ExecutedAt.UTC().Format(time.RFC3339),
			shorten(row.Vault),
			shorten(row.AssetSold),
			shorten(row.AssetBought),
			row.AmountSold,
			row.AmountBought,
			row.VolatilityBps,
		)
	}
	writer.Flush()
	return nil
}

func selectPairs(pairs []engine.Params, index int) ([]engine.Params, error) {
	if index < 0 {
		return pairs, nil
	}
	if index >= len(pairs) {
		return nil, fmt.Errorf("pair index %d out of range (%d configured)", index, len(pairs))
	}
	return pairs[index : index+1], nil
}

func assetLabel(asset chain.Asset) string {
	if asset == chain.Native {
		return "native"
	}
	return shorten(asset.Hex())
}

func shorten(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:8] + ".." + strings.ToLower(hex[len(hex)-4:])
}
