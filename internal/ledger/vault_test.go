package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/chain"
)

var (
	testOwner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testVaultAcc = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testExecutor = common.HexToAddress("0x0000000000000000000000000000000000000003")
	testOutsider = common.HexToAddress("0x0000000000000000000000000000000000000004")
	testToken    = common.HexToAddress("0x0000000000000000000000000000000000000010")
)

type fakeTokens struct {
	balances      map[chain.Asset]map[chain.Account]int64
	associateCode int32
	transferCode  int32
	balanceCode   int32
	transferErr   error
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		balances:      make(map[chain.Asset]map[chain.Account]int64),
		associateCode: chain.StatusSuccess,
		transferCode:  chain.StatusSuccess,
		balanceCode:   chain.StatusSuccess,
	}
}

func (f *fakeTokens) mint(asset chain.Asset, account chain.Account, amount int64) {
	if f.balances[asset] == nil {
		f.balances[asset] = make(map[chain.Account]int64)
	}
	f.balances[asset][account] += amount
}

func (f *fakeTokens) Associate(ctx context.Context, account chain.Account, asset chain.Asset) (int32, error) {
	return f.associateCode, nil
}

func (f *fakeTokens) Transfer(ctx context.Context, asset chain.Asset, from, to chain.Account, amount int64) (int32, error) {
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	if f.transferCode != chain.StatusSuccess {
		return f.transferCode, nil
	}
	if f.balances[asset][from] < amount {
		return chain.StatusInsufficientTokenFunds, nil
	}
	f.balances[asset][from] -= amount
	f.mint(asset, to, amount)
	return chain.StatusSuccess, nil
}

func (f *fakeTokens) BalanceOf(ctx context.Context, asset chain.Asset, account chain.Account) (int32, int64, error) {
	return f.balanceCode, f.balances[asset][account], nil
}

func (f *fakeTokens) Approve(ctx context.Context, asset chain.Asset, spender chain.Account, amount int64) (int32, error) {
	return chain.StatusSuccess, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestVault(t *testing.T, tokens *fakeTokens) *Vault {
	t.Helper()
	registry := NewRegistry(tokens, time.Hour, nil, noopLogger())
	vault, err := registry.CreateVault(context.Background(), testOwner, testVaultAcc)
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	return vault
}

func TestAssociateRejectsDuplicate(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("first associate should succeed: %v", err)
	}
	if err := vault.Associate(ctx, testOwner, testToken); !errors.Is(err, ErrTokenAlreadyAssociated) {
		t.Fatalf("expected ErrTokenAlreadyAssociated, got %v", err)
	}
	if got := len(vault.SupportedAssets()); got != 1 {
		t.Fatalf("expected 1 supported asset, got %d", got)
	}
}

func TestAssociateRejectsNativeAndZero(t *testing.T) {
	vault := newTestVault(t, newFakeTokens())
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, chain.Native); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("native sentinel should be rejected, got %v", err)
	}
	if err := vault.Associate(ctx, testOwner, chain.Asset{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero asset should be rejected, got %v", err)
	}
}

func TestAssociateSurfacesServiceCode(t *testing.T) {
	tokens := newFakeTokens()
	tokens.associateCode = chain.StatusTokenAlreadyAssociated
	vault := newTestVault(t, tokens)

	err := vault.Associate(context.Background(), testOwner, testToken)
	var callErr *chain.ServiceCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected ServiceCallError, got %v", err)
	}
	if callErr.Code != chain.StatusTokenAlreadyAssociated {
		t.Fatalf("unexpected code %d", callErr.Code)
	}
}

func TestDepositValidation(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Deposit(ctx, testOwner, testToken, 100); !errors.Is(err, ErrTokenNotAssociated) {
		t.Fatalf("deposit before associate should fail, got %v", err)
	}
	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	if err := vault.Deposit(ctx, testOwner, testToken, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount should fail, got %v", err)
	}
	if err := vault.Deposit(ctx, testOutsider, testToken, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider deposit should fail, got %v", err)
	}

	tokens.mint(testToken, testOwner, 100)
	if err := vault.Deposit(ctx, testOwner, testToken, 100); err != nil {
		t.Fatalf("funded deposit should succeed: %v", err)
	}
	if got := vault.TrackedBalance(testToken); got != 100 {
		t.Fatalf("tracked balance = %d, want 100", got)
	}
}

func TestWithdrawChecksTrackedBalance(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testOwner, 50)
	if err := vault.Deposit(ctx, testOwner, testToken, 50); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if err := vault.WithdrawTo(ctx, testOwner, testToken, 80, testOwner); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-withdraw should fail, got %v", err)
	}
	if err := vault.WithdrawTo(ctx, testOwner, testToken, 30, testOwner); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := vault.TrackedBalance(testToken); got != 20 {
		t.Fatalf("tracked balance = %d, want 20", got)
	}
	if got := tokens.balances[testToken][testOwner]; got != 30 {
		t.Fatalf("recipient balance = %d, want 30", got)
	}
}

func TestSyncReconcilesDirectTransfers(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testOwner, 100)
	if err := vault.Deposit(ctx, testOwner, testToken, 100); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// A transfer that bypassed the deposit path.
	tokens.mint(testToken, testVaultAcc, 40)
	if got := vault.TrackedBalance(testToken); got != 100 {
		t.Fatalf("tracked balance before sync = %d, want 100", got)
	}

	if err := vault.SyncBalance(ctx, testToken); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := vault.TrackedBalance(testToken); got != 140 {
		t.Fatalf("tracked balance after sync = %d, want 140", got)
	}

	// Idempotent: a second sync changes nothing.
	if err := vault.SyncBalance(ctx, testToken); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if got := vault.TrackedBalance(testToken); got != 140 {
		t.Fatalf("tracked balance after second sync = %d, want 140", got)
	}
}

func TestDissociateRequiresZeroBalance(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testOwner, 10)
	if err := vault.Deposit(ctx, testOwner, testToken, 10); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if err := vault.Dissociate(ctx, testOwner, testToken); !errors.Is(err, ErrBalanceNotZero) {
		t.Fatalf("dissociate with balance should fail, got %v", err)
	}
	if err := vault.WithdrawTo(ctx, testOwner, testToken, 10, testOwner); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if err := vault.Dissociate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("dissociate failed: %v", err)
	}
	if got := len(vault.SupportedAssets()); got != 0 {
		t.Fatalf("expected no supported assets, got %d", got)
	}
}

func TestNativeDepositAndWithdraw(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	tinybar, err := TinybarFromWhole(3)
	if err != nil {
		t.Fatalf("TinybarFromWhole failed: %v", err)
	}
	if tinybar != 3*TinybarPerUnit {
		t.Fatalf("tinybar = %d, want %d", tinybar, 3*TinybarPerUnit)
	}

	tokens.mint(chain.Native, testOwner, tinybar)
	if err := vault.DepositNative(ctx, testOwner, tinybar); err != nil {
		t.Fatalf("native deposit failed: %v", err)
	}
	if got := vault.NativeBalance(); got != tinybar {
		t.Fatalf("native balance = %d, want %d", got, tinybar)
	}

	if err := vault.WithdrawNative(ctx, testOwner, tinybar+1, testOwner); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-withdraw should fail, got %v", err)
	}
	if err := vault.WithdrawNative(ctx, testOwner, tinybar, testOwner); err != nil {
		t.Fatalf("native withdraw failed: %v", err)
	}
	if got := vault.NativeBalance(); got != 0 {
		t.Fatalf("native balance = %d, want 0", got)
	}
}

func TestTinybarFromWholeBounds(t *testing.T) {
	if _, err := TinybarFromWhole(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative units should fail, got %v", err)
	}
	if _, err := TinybarFromWhole(1 << 60); err == nil {
		t.Fatal("overflowing units should fail")
	}

	// Exact top of the representable range.
	max := int64(math.MaxInt64) / TinybarPerUnit
	got, err := TinybarFromWhole(max)
	if err != nil {
		t.Fatalf("max representable units failed: %v", err)
	}
	if got != max*TinybarPerUnit {
		t.Fatalf("converted = %d, want %d", got, max*TinybarPerUnit)
	}
	if _, err := TinybarFromWhole(max + 1); err == nil {
		t.Fatal("units one past the ceiling should fail")
	}
}

func TestExecutorAllowlist(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testExecutor, 100)

	if err := vault.Deposit(ctx, testExecutor, testToken, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deposit before grant should fail, got %v", err)
	}
	if err := vault.AuthorizeExecutor(ctx, testExecutor, testExecutor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner grant should fail, got %v", err)
	}
	if err := vault.AuthorizeExecutor(ctx, testOwner, testExecutor); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := vault.Deposit(ctx, testExecutor, testToken, 100); err != nil {
		t.Fatalf("executor deposit failed: %v", err)
	}
	if err := vault.RevokeExecutor(ctx, testOwner, testExecutor); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := vault.WithdrawTo(ctx, testExecutor, testToken, 10, testExecutor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked executor should fail, got %v", err)
	}
}

func TestEmergencyRecoverOwnerOnly(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.AuthorizeExecutor(ctx, testOwner, testExecutor); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	tokens.mint(testToken, testVaultAcc, 77)

	if err := vault.EmergencyRecover(ctx, testExecutor, testToken, 77, testOwner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("executor recovery should fail, got %v", err)
	}
	if err := vault.EmergencyRecover(ctx, testOwner, testToken, 77, testOwner); err != nil {
		t.Fatalf("owner recovery failed: %v", err)
	}
	if got := tokens.balances[testToken][testOwner]; got != 77 {
		t.Fatalf("recovered balance = %d, want 77", got)
	}
}

func TestEmergencyRecoverResyncsAssociatedAsset(t *testing.T) {
	tokens := newFakeTokens()
	vault := newTestVault(t, tokens)
	ctx := context.Background()

	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testOwner, 100)
	if err := vault.Deposit(ctx, testOwner, testToken, 100); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if err := vault.EmergencyRecover(ctx, testOwner, testToken, 60, testOwner); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if got := vault.TrackedBalance(testToken); got != 40 {
		t.Fatalf("tracked balance after recovery = %d, want 40", got)
	}
}

func TestRegistryOneVaultPerOwner(t *testing.T) {
	registry := NewRegistry(newFakeTokens(), time.Hour, nil, noopLogger())
	ctx := context.Background()

	if _, err := registry.CreateVault(ctx, chain.Account{}, testVaultAcc); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero owner should fail, got %v", err)
	}
	if _, err := registry.CreateVault(ctx, testOwner, testVaultAcc); err != nil {
		t.Fatalf("first vault failed: %v", err)
	}
	if _, err := registry.CreateVault(ctx, testOwner, testVaultAcc); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("second vault should fail, got %v", err)
	}
	if _, ok := registry.VaultOf(testOwner); !ok {
		t.Fatal("VaultOf should find the created vault")
	}
	if _, ok := registry.VaultOf(testOutsider); ok {
		t.Fatal("VaultOf should miss an unknown owner")
	}
}

func TestEventsEmittedToSink(t *testing.T) {
	tokens := newFakeTokens()
	sink := &captureSink{}
	registry := NewRegistry(tokens, time.Hour, sink, noopLogger())
	ctx := context.Background()

	vault, err := registry.CreateVault(ctx, testOwner, testVaultAcc)
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if err := vault.Associate(ctx, testOwner, testToken); err != nil {
		t.Fatalf("associate failed: %v", err)
	}
	tokens.mint(testToken, testOwner, 10)
	if err := vault.Deposit(ctx, testOwner, testToken, 10); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	want := []EventKind{EventVaultCreated, EventAssociated, EventDeposit}
	if len(sink.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(sink.events))
	}
	for i, kind := range want {
		if sink.events[i].Kind != kind {
			t.Fatalf("event[%d] = %s, want %s", i, sink.events[i].Kind, kind)
		}
	}
}

type captureSink struct {
	events []Event
}

func (c *captureSink) RecordEvent(ctx context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}
