package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertRebalanceSQL = `INSERT INTO rebalance_records (
        vault,
        asset_sold,
        asset_bought,
        amount_sold,
        amount_bought,
        volatility_bps,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRebalancesByVaultSQL = `SELECT
        id, vault, asset_sold, asset_bought, amount_sold, amount_bought,
        volatility_bps, executed_at, created_at
    FROM rebalance_records
    WHERE vault = $1
    ORDER BY executed_at;`

	listRecentRebalancesSQL = `SELECT
        id, vault, asset_sold, asset_bought, amount_sold, amount_bought,
        volatility_bps, executed_at, created_at
    FROM rebalance_records
    ORDER BY executed_at DESC
    LIMIT $1;`

	countRebalancesSQL = `SELECT COUNT(*) FROM rebalance_records;`

	upsertSnapshotSQL = `INSERT INTO volatility_snapshots (
        feed,
        volatility_bps,
        price_mantissa,
        confidence,
        exponent,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (feed, updated_at) DO UPDATE
    SET volatility_bps = EXCLUDED.volatility_bps,
        price_mantissa = EXCLUDED.price_mantissa,
        confidence     = EXCLUDED.confidence,
        exponent       = EXCLUDED.exponent;`

	listSnapshotsBetweenSQL = `SELECT
        feed, volatility_bps, price_mantissa, confidence, exponent, updated_at
    FROM volatility_snapshots
    WHERE updated_at >= $1
      AND updated_at < $2
    ORDER BY updated_at;`

	insertEventSQL = `INSERT INTO vault_events (
        kind,
        vault,
        asset,
        account,
        amount,
        balance_before,
        balance_after,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentEventsSQL = `SELECT
        id, kind, vault, asset, account, amount, balance_before,
        balance_after, occurred_at, created_at
    FROM vault_events
    ORDER BY occurred_at DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM vault_events WHERE occurred_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RebalanceStore defines operations for rebalance history persistence.
type RebalanceStore interface {
	InsertRebalance(ctx context.Context, row RebalanceRow) (RebalanceRow, error)
	ListRebalancesByVault(ctx context.Context, vault string) ([]RebalanceRow, error)
	ListRecentRebalances(ctx context.Context, limit int) ([]RebalanceRow, error)
	CountRebalances(ctx context.Context) (int64, error)
}

// SnapshotStore defines operations for volatility snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap VolatilitySnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]VolatilitySnapshot, error)
}

// EventStore defines operations for vault event auditing.
type EventStore interface {
	InsertEvent(ctx context.Context, ev VaultEventRow) error
	ListRecentEvents(ctx context.Context, limit int) ([]VaultEventRow, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rebalance history, snapshots, and events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertRebalance appends one executed rebalance to the history log.
func (s *Store) InsertRebalance(ctx context.Context, row RebalanceRow) (RebalanceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return RebalanceRow{}, err
	}

	queryRow := pool.QueryRow(ctx, insertRebalanceSQL,
		row.Vault,
		row.AssetSold,
		row.AssetBought,
		row.AmountSold,
		row.AmountBought,
		row.VolatilityBps,
		row.ExecutedAt,
	)
	if scanErr := queryRow.Scan(&row.ID, &row.CreatedAt); scanErr != nil {
		return RebalanceRow{}, fmt.Errorf("insert rebalance: %w", scanErr)
	}
	return row, nil
}

// ListRebalancesByVault lists a vault's history, oldest first.
func (s *Store) ListRebalancesByVault(ctx context.Context, vault string) ([]RebalanceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRebalancesByVaultSQL, vault)
	if queryErr != nil {
		return nil, fmt.Errorf("list rebalances by vault: %w", queryErr)
	}
	defer rows.Close()
	return scanRebalances(rows, 0)
}

// ListRecentRebalances lists the most recent executions across vaults.
func (s *Store) ListRecentRebalances(ctx context.Context, limit int) ([]RebalanceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRebalancesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rebalances: %w", queryErr)
	}
	defer rows.Close()
	return scanRebalances(rows, limit)
}

// CountRebalances counts stored history entries.
func (s *Store) CountRebalances(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRebalancesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rebalances: %w", scanErr)
	}
	return count, nil
}

// UpsertSnapshot persists one volatility record view.
func (s *Store) UpsertSnapshot(ctx context.Context, snap VolatilitySnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Feed,
		snap.VolatilityBps,
		snap.PriceMantissa,
		snap.Confidence,
		snap.Exponent,
		snap.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]VolatilitySnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]VolatilitySnapshot, 0)
	for rows.Next() {
		var snap VolatilitySnapshot
		if err := rows.Scan(
			&snap.Feed,
			&snap.VolatilityBps,
			&snap.PriceMantissa,
			&snap.Confidence,
			&snap.Exponent,
			&snap.UpdatedAt,
		); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// InsertEvent persists one vault audit event.
func (s *Store) InsertEvent(ctx context.Context, ev VaultEventRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertEventSQL,
		ev.Kind,
		ev.Vault,
		ev.Asset,
		ev.Account,
		ev.Amount,
		ev.Before,
		ev.After,
		ev.At,
	)
	if execErr != nil {
		return fmt.Errorf("insert event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists most recent audit events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]VaultEventRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]VaultEventRow, 0, limit)
	for rows.Next() {
		var ev VaultEventRow
		if err := rows.Scan(
			&ev.ID,
			&ev.Kind,
			&ev.Vault,
			&ev.Asset,
			&ev.Account,
			&ev.Amount,
			&ev.Before,
			&ev.After,
			&ev.At,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteEventsBefore deletes historical audit events.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete events before: %w", execErr)
	}
	return nil
}

func scanRebalances(rows pgx.Rows, sizeHint int) ([]RebalanceRow, error) {
	out := make([]RebalanceRow, 0, sizeHint)
	for rows.Next() {
		var row RebalanceRow
		if err := rows.Scan(
			&row.ID,
			&row.Vault,
			&row.AssetSold,
			&row.AssetBought,
			&row.AmountSold,
			&row.AmountBought,
			&row.VolatilityBps,
			&row.ExecutedAt,
			&row.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
