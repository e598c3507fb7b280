package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"vault-rebalancer/internal/chain"
)

// ErrVaultExists rejects a second vault for the same owner.
var ErrVaultExists = errors.New("ledger: vault already exists for owner")

// Registry creates and indexes vaults, one per owner.
type Registry struct {
	tokens   chain.TokenService
	sink     EventSink
	logger   zerolog.Logger
	autoSync time.Duration

	vaults map[chain.Account]*Vault
}

// NewRegistry builds a vault registry on a token service. autoSync bounds
// how stale a vault's per-asset reconciliation may get; zero selects the
// default.
func NewRegistry(tokens chain.TokenService, autoSync time.Duration, sink EventSink, logger zerolog.Logger) *Registry {
	return &Registry{
		tokens:   tokens,
		sink:     sink,
		logger:   logger.With().Str("component", "registry").Logger(),
		autoSync: autoSync,
		vaults:   make(map[chain.Account]*Vault),
	}
}

// CreateVault creates the single vault for an owner. account is the vault's
// own identity on the token service.
func (r *Registry) CreateVault(ctx context.Context, owner, account chain.Account) (*Vault, error) {
	if owner == (chain.Account{}) || account == (chain.Account{}) {
		return nil, ErrInvalidAddress
	}
	if _, exists := r.vaults[owner]; exists {
		return nil, ErrVaultExists
	}

	vault := newVault(owner, account, r.tokens, r.autoSync, r.sink, r.logger)
	r.vaults[owner] = vault

	if r.sink != nil {
		ev := Event{Kind: EventVaultCreated, Vault: account, Account: owner, At: time.Now().UTC()}
		if err := r.sink.RecordEvent(ctx, ev); err != nil {
			r.logger.Error().Err(err).Msg("failed to persist vault creation event")
		}
	}
	r.logger.Info().Str("owner", owner.Hex()).Str("vault", account.Hex()).Msg("vault created")
	return vault, nil
}

// VaultOf returns the owner's vault, if any.
func (r *Registry) VaultOf(owner chain.Account) (*Vault, bool) {
	vault, ok := r.vaults[owner]
	return vault, ok
}
