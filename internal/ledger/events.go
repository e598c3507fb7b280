package ledger

import (
	"context"
	"time"

	"vault-rebalancer/internal/chain"
)

// EventKind labels a ledger audit event.
type EventKind string

const (
	EventAssociated      EventKind = "associated"
	EventDissociated     EventKind = "dissociated"
	EventDeposit         EventKind = "deposit"
	EventWithdraw        EventKind = "withdraw"
	EventNativeDeposit   EventKind = "native_deposit"
	EventNativeWithdraw  EventKind = "native_withdraw"
	EventSync            EventKind = "sync"
	EventEmergency       EventKind = "emergency_recover"
	EventExecutorGranted EventKind = "executor_granted"
	EventExecutorRevoked EventKind = "executor_revoked"
	EventVaultCreated    EventKind = "vault_created"
)

// Event is one audit entry emitted by a vault mutation. Before/After carry
// the tracked balance around a sync; Amount carries the moved quantity for
// transfers.
type Event struct {
	Kind    EventKind
	Vault   chain.Account
	Asset   chain.Asset
	Account chain.Account
	Amount  int64
	Before  int64
	After   int64
	At      time.Time
}

// EventSink receives audit events. Sinks must not block the mutation path;
// failures are logged and swallowed by the vault.
type EventSink interface {
	RecordEvent(ctx context.Context, ev Event) error
}
