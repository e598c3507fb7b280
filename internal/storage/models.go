package storage

import (
	"time"
)

// RebalanceRow is one persisted rebalance execution.
type RebalanceRow struct {
	ID            int64
	Vault         string
	AssetSold     string
	AssetBought   string
	AmountSold    int64
	AmountBought  int64
	VolatilityBps int64
	ExecutedAt    time.Time
	CreatedAt     time.Time
}

// VolatilitySnapshot is the stored view of one feed update.
type VolatilitySnapshot struct {
	Feed          string
	VolatilityBps int64
	PriceMantissa int64
	Confidence    int64
	Exponent      int32
	UpdatedAt     time.Time
}

// VaultEventRow is one persisted ledger audit event.
type VaultEventRow struct {
	ID        int64
	Kind      string
	Vault     string
	Asset     string
	Account   string
	Amount    int64
	Before    int64
	After     int64
	At        time.Time
	CreatedAt time.Time
}
