package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vault-rebalancer/internal/chain"
)

// TinybarPerUnit is the fixed factor between the native currency's whole
// unit and its smallest unit.
const TinybarPerUnit int64 = 100_000_000

// DefaultAutoSyncThreshold bounds how old an asset's last reconciliation may
// be before a balance-sensitive operation forces a fresh sync.
const DefaultAutoSyncThreshold = 300 * time.Second

var (
	ErrUnauthorized           = errors.New("ledger: caller not authorized")
	ErrInvalidAmount          = errors.New("ledger: amount must be positive")
	ErrInvalidAddress         = errors.New("ledger: invalid address")
	ErrInsufficientBalance    = errors.New("ledger: insufficient balance")
	ErrTokenNotAssociated     = errors.New("ledger: token not associated")
	ErrTokenAlreadyAssociated = errors.New("ledger: token already associated")
	ErrBalanceNotZero         = errors.New("ledger: tracked balance not zero")
	ErrReentrantCall          = errors.New("ledger: reentrant call rejected")
)

// TinybarFromWhole converts whole native units to tinybar with exact
// integer arithmetic.
func TinybarFromWhole(units int64) (int64, error) {
	if units < 0 {
		return 0, ErrInvalidAmount
	}
	if units > math.MaxInt64/TinybarPerUnit {
		return 0, errors.New("ledger: native amount overflows tinybar range")
	}
	return units * TinybarPerUnit, nil
}

// Vault is the authoritative per-owner ledger for one native-currency
// balance and N fungible assets. Tracked balances are the vault's own
// bookkeeping; the token service holds the authoritative view, which can
// drift when transfers bypass the deposit path. Sync reconciles the two.
type Vault struct {
	owner   chain.Account
	account chain.Account
	tokens  chain.TokenService
	logger  zerolog.Logger
	sink    EventSink
	now     func() time.Time

	mu            sync.Mutex
	tracked       map[chain.Asset]int64
	associated    map[chain.Asset]bool
	supported     []chain.Asset
	lastSync      map[chain.Asset]time.Time
	nativeBalance int64
	executors     map[chain.Account]bool
	autoSyncAfter time.Duration
}

func newVault(owner, account chain.Account, tokens chain.TokenService, autoSync time.Duration, sink EventSink, logger zerolog.Logger) *Vault {
	if autoSync <= 0 {
		autoSync = DefaultAutoSyncThreshold
	}
	return &Vault{
		owner:         owner,
		account:       account,
		tokens:        tokens,
		logger:        logger.With().Str("component", "vault").Str("owner", owner.Hex()).Logger(),
		sink:          sink,
		now:           time.Now,
		tracked:       make(map[chain.Asset]int64),
		associated:    make(map[chain.Asset]bool),
		lastSync:      make(map[chain.Asset]time.Time),
		executors:     make(map[chain.Account]bool),
		autoSyncAfter: autoSync,
	}
}

// Owner returns the vault's owner account.
func (v *Vault) Owner() chain.Account { return v.owner }

// Account returns the vault's own account on the token service.
func (v *Vault) Account() chain.Account { return v.account }

// SupportedAssets returns the assets the vault is associated with.
func (v *Vault) SupportedAssets() []chain.Asset {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]chain.Asset, len(v.supported))
	copy(out, v.supported)
	return out
}

// AuthorizeExecutor grants an account (typically the rebalance engine) the
// right to move funds through the executor-callable entry points.
func (v *Vault) AuthorizeExecutor(ctx context.Context, caller, executor chain.Account) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	if executor == (chain.Account{}) {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	v.executors[executor] = true
	v.mu.Unlock()
	v.emit(ctx, Event{Kind: EventExecutorGranted, Vault: v.account, Account: executor, At: v.now().UTC()})
	return nil
}

// RevokeExecutor removes an executor from the allowlist.
func (v *Vault) RevokeExecutor(ctx context.Context, caller, executor chain.Account) error {
	if caller != v.owner {
		return ErrUnauthorized
	}
	v.mu.Lock()
	delete(v.executors, executor)
	v.mu.Unlock()
	v.emit(ctx, Event{Kind: EventExecutorRevoked, Vault: v.account, Account: executor, At: v.now().UTC()})
	return nil
}

func (v *Vault) allowed(caller chain.Account) bool {
	return caller == v.owner || v.executors[caller]
}

// Associate registers the vault with the token service for an asset.
func (v *Vault) Associate(ctx context.Context, caller chain.Account, asset chain.Asset) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()
	return v.associate(ctx, caller, asset)
}

// AssociateMany registers multiple assets in one call. The first failure
// aborts the remainder.
func (v *Vault) AssociateMany(ctx context.Context, caller chain.Account, assets []chain.Asset) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()
	for _, asset := range assets {
		if err := v.associate(ctx, caller, asset); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) associate(ctx context.Context, caller chain.Account, asset chain.Asset) error {
	if !v.allowed(caller) {
		return ErrUnauthorized
	}
	if asset == (chain.Asset{}) || asset == chain.Native {
		return ErrInvalidAddress
	}
	if v.associated[asset] {
		return ErrTokenAlreadyAssociated
	}

	code, err := v.tokens.Associate(ctx, v.account, asset)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("associate", code)
	}

	v.associated[asset] = true
	v.supported = append(v.supported, asset)
	v.lastSync[asset] = v.now().UTC()
	v.emit(ctx, Event{Kind: EventAssociated, Vault: v.account, Asset: asset, At: v.now().UTC()})
	v.logger.Info().Str("asset", asset.Hex()).Msg("asset associated")
	return nil
}

// Deposit transfers amount of asset from the caller's account into the
// vault and credits the tracked balance. An auto-sync runs first when the
// asset's reconciliation is older than the threshold.
func (v *Vault) Deposit(ctx context.Context, caller chain.Account, asset chain.Asset, amount int64) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if !v.allowed(caller) {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !v.associated[asset] {
		return ErrTokenNotAssociated
	}
	if err := v.autoSync(ctx, asset); err != nil {
		return err
	}

	code, err := v.tokens.Transfer(ctx, asset, caller, v.account, amount)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("transfer", code)
	}

	v.tracked[asset] += amount
	v.lastSync[asset] = v.now().UTC()
	v.emit(ctx, Event{Kind: EventDeposit, Vault: v.account, Asset: asset, Account: caller, Amount: amount, At: v.now().UTC()})
	v.logger.Info().Str("asset", asset.Hex()).Int64("amount", amount).Msg("deposit recorded")
	return nil
}

// WithdrawTo moves amount of asset from the vault to recipient. The
// authoritative balance is consulted after an auto-sync so that direct
// transfers into the vault are spendable and phantom balances are not.
func (v *Vault) WithdrawTo(ctx context.Context, caller chain.Account, asset chain.Asset, amount int64, recipient chain.Account) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if !v.allowed(caller) {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if recipient == (chain.Account{}) {
		return ErrInvalidAddress
	}
	if !v.associated[asset] {
		return ErrTokenNotAssociated
	}
	if err := v.autoSync(ctx, asset); err != nil {
		return err
	}
	if v.tracked[asset] < amount {
		return ErrInsufficientBalance
	}

	code, err := v.tokens.Transfer(ctx, asset, v.account, recipient, amount)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("transfer", code)
	}

	v.tracked[asset] -= amount
	v.emit(ctx, Event{Kind: EventWithdraw, Vault: v.account, Asset: asset, Account: recipient, Amount: amount, At: v.now().UTC()})
	v.logger.Info().Str("asset", asset.Hex()).Int64("amount", amount).Str("recipient", recipient.Hex()).Msg("withdrawal executed")
	return nil
}

// DepositNative credits native currency held directly by the vault.
func (v *Vault) DepositNative(ctx context.Context, caller chain.Account, tinybar int64) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if !v.allowed(caller) {
		return ErrUnauthorized
	}
	if tinybar <= 0 {
		return ErrInvalidAmount
	}

	code, err := v.tokens.Transfer(ctx, chain.Native, caller, v.account, tinybar)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("transfer", code)
	}

	v.nativeBalance += tinybar
	v.emit(ctx, Event{Kind: EventNativeDeposit, Vault: v.account, Asset: chain.Native, Account: caller, Amount: tinybar, At: v.now().UTC()})
	return nil
}

// WithdrawNative disburses native currency to recipient. No tracked-balance
// bookkeeping applies: the native balance is held directly.
func (v *Vault) WithdrawNative(ctx context.Context, caller chain.Account, tinybar int64, recipient chain.Account) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if !v.allowed(caller) {
		return ErrUnauthorized
	}
	if tinybar <= 0 {
		return ErrInvalidAmount
	}
	if recipient == (chain.Account{}) {
		return ErrInvalidAddress
	}
	if v.nativeBalance < tinybar {
		return ErrInsufficientBalance
	}

	code, err := v.tokens.Transfer(ctx, chain.Native, v.account, recipient, tinybar)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("transfer", code)
	}

	v.nativeBalance -= tinybar
	v.emit(ctx, Event{Kind: EventNativeWithdraw, Vault: v.account, Asset: chain.Native, Account: recipient, Amount: tinybar, At: v.now().UTC()})
	return nil
}

// SyncBalance forces the tracked balance of one asset to the authoritative
// balance reported by the token service. Idempotent.
func (v *Vault) SyncBalance(ctx context.Context, asset chain.Asset) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()
	return v.sync(ctx, asset)
}

// SyncAll reconciles every supported asset.
func (v *Vault) SyncAll(ctx context.Context) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()
	for _, asset := range v.supported {
		if err := v.sync(ctx, asset); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) sync(ctx context.Context, asset chain.Asset) error {
	if !v.associated[asset] {
		return ErrTokenNotAssociated
	}

	code, balance, err := v.tokens.BalanceOf(ctx, asset, v.account)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("balanceOf", code)
	}

	before := v.tracked[asset]
	v.tracked[asset] = balance
	v.lastSync[asset] = v.now().UTC()

	v.emit(ctx, Event{Kind: EventSync, Vault: v.account, Asset: asset, Before: before, After: balance, At: v.now().UTC()})
	if before != balance {
		v.logger.Info().Str("asset", asset.Hex()).Int64("before", before).Int64("after", balance).Msg("tracked balance reconciled")
	}
	return nil
}

// autoSync refreshes the tracked balance when the last reconciliation is
// older than the threshold. Callers hold the vault lock.
func (v *Vault) autoSync(ctx context.Context, asset chain.Asset) error {
	last, ok := v.lastSync[asset]
	if ok && v.now().UTC().Sub(last) <= v.autoSyncAfter {
		return nil
	}
	return v.sync(ctx, asset)
}

// Balance returns the authoritative balance reported by the token service.
func (v *Vault) Balance(ctx context.Context, asset chain.Asset) (int64, error) {
	code, balance, err := v.tokens.BalanceOf(ctx, asset, v.account)
	if err != nil {
		return 0, err
	}
	if code != chain.StatusSuccess {
		return 0, chain.NewServiceCallError("balanceOf", code)
	}
	return balance, nil
}

// TrackedBalance returns the ledger's own view, which can lag the
// authoritative balance between syncs.
func (v *Vault) TrackedBalance(asset chain.Asset) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tracked[asset]
}

// NativeBalance returns the directly held native-currency balance in
// tinybar.
func (v *Vault) NativeBalance() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nativeBalance
}

// Dissociate removes an asset. A forced sync runs first and the tracked
// balance must be exactly zero.
func (v *Vault) Dissociate(ctx context.Context, caller chain.Account, asset chain.Asset) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if caller != v.owner {
		return ErrUnauthorized
	}
	if err := v.sync(ctx, asset); err != nil {
		return err
	}
	if v.tracked[asset] != 0 {
		return ErrBalanceNotZero
	}

	delete(v.associated, asset)
	delete(v.tracked, asset)
	delete(v.lastSync, asset)
	for i, a := range v.supported {
		if a == asset {
			v.supported[i] = v.supported[len(v.supported)-1]
			v.supported = v.supported[:len(v.supported)-1]
			break
		}
	}
	v.emit(ctx, Event{Kind: EventDissociated, Vault: v.account, Asset: asset, At: v.now().UTC()})
	return nil
}

// EmergencyRecover is the owner-only escape hatch for stuck funds. It
// bypasses tracked-balance checks and reconciles afterwards.
func (v *Vault) EmergencyRecover(ctx context.Context, caller chain.Account, asset chain.Asset, amount int64, to chain.Account) error {
	if !v.mu.TryLock() {
		return ErrReentrantCall
	}
	defer v.mu.Unlock()

	if caller != v.owner {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if to == (chain.Account{}) {
		return ErrInvalidAddress
	}

	code, err := v.tokens.Transfer(ctx, asset, v.account, to, amount)
	if err != nil {
		return err
	}
	if code != chain.StatusSuccess {
		return chain.NewServiceCallError("transfer", code)
	}

	v.emit(ctx, Event{Kind: EventEmergency, Vault: v.account, Asset: asset, Account: to, Amount: amount, At: v.now().UTC()})
	v.logger.Warn().Str("asset", asset.Hex()).Int64("amount", amount).Str("to", to.Hex()).Msg("emergency recovery executed")

	if v.associated[asset] {
		return v.sync(ctx, asset)
	}
	return nil
}

func (v *Vault) emit(ctx context.Context, ev Event) {
	if v.sink == nil {
		return
	}
	if err := v.sink.RecordEvent(ctx, ev); err != nil {
		v.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to persist ledger event")
	}
}
