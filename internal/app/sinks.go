package app

import (
	"context"

	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/engine"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/oracle"
	"vault-rebalancer/internal/storage"
)

// storageSinks bridges the domain sinks onto the pgx store. A nil receiver
// is valid and drops everything, so wiring stays uniform when persistence
// is disabled.
type storageSinks struct {
	store *storage.Store
}

func newStorageSinks(store *storage.Store) *storageSinks {
	if store == nil {
		return nil
	}
	return &storageSinks{store: store}
}

// RecordEvent implements ledger.EventSink.
func (s *storageSinks) RecordEvent(ctx context.Context, ev ledger.Event) error {
	if s == nil {
		return nil
	}
	return s.store.InsertEvent(ctx, storage.VaultEventRow{
		Kind:    string(ev.Kind),
		Vault:   ev.Vault.Hex(),
		Asset:   ev.Asset.Hex(),
		Account: ev.Account.Hex(),
		Amount:  ev.Amount,
		Before:  ev.Before,
		After:   ev.After,
		At:      ev.At,
	})
}

// RecordRebalance implements engine.HistorySink.
func (s *storageSinks) RecordRebalance(ctx context.Context, rec engine.Record) error {
	if s == nil {
		return nil
	}
	_, err := s.store.InsertRebalance(ctx, storage.RebalanceRow{
		Vault:         rec.Vault.Hex(),
		AssetSold:     rec.AssetSold.Hex(),
		AssetBought:   rec.AssetBought.Hex(),
		AmountSold:    rec.AmountSold,
		AmountBought:  rec.AmountBought,
		VolatilityBps: rec.VolatilityBps,
		ExecutedAt:    rec.At,
	})
	return err
}

// RecordVolatility implements oracle.SnapshotSink.
func (s *storageSinks) RecordVolatility(ctx context.Context, feed chain.FeedID, rec oracle.Record) error {
	if s == nil {
		return nil
	}
	return s.store.UpsertSnapshot(ctx, storage.VolatilitySnapshot{
		Feed:          feed.String(),
		VolatilityBps: rec.VolatilityBps,
		PriceMantissa: rec.PriceMantissa,
		Confidence:    int64(rec.Confidence),
		Exponent:      rec.Exponent,
		UpdatedAt:     rec.UpdatedAt,
	})
}

var (
	_ ledger.EventSink    = (*storageSinks)(nil)
	_ engine.HistorySink  = (*storageSinks)(nil)
	_ oracle.SnapshotSink = (*storageSinks)(nil)
)
