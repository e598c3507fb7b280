package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/oracle"
)

var (
	engOwner   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	engAccount = common.HexToAddress("0x0000000000000000000000000000000000000002")
	engVault   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	engAgent   = common.HexToAddress("0x0000000000000000000000000000000000000004")
	engSpender = common.HexToAddress("0x0000000000000000000000000000000000000005")
	outsider   = common.HexToAddress("0x0000000000000000000000000000000000000006")
	tokenSell  = common.HexToAddress("0x0000000000000000000000000000000000000020")
	tokenBuy   = common.HexToAddress("0x0000000000000000000000000000000000000021")
	testFeed   = chain.FeedID{0xfe}
)

type fakeTokens struct {
	balances map[chain.Asset]map[chain.Account]int64
	approved []approval
}

type approval struct {
	asset   chain.Asset
	spender chain.Account
	amount  int64
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{balances: make(map[chain.Asset]map[chain.Account]int64)}
}

func (f *fakeTokens) mint(asset chain.Asset, account chain.Account, amount int64) {
	if f.balances[asset] == nil {
		f.balances[asset] = make(map[chain.Account]int64)
	}
	f.balances[asset][account] += amount
}

func (f *fakeTokens) Associate(ctx context.Context, account chain.Account, asset chain.Asset) (int32, error) {
	return chain.StatusSuccess, nil
}

func (f *fakeTokens) Transfer(ctx context.Context, asset chain.Asset, from, to chain.Account, amount int64) (int32, error) {
	if f.balances[asset][from] < amount {
		return chain.StatusInsufficientTokenFunds, nil
	}
	f.balances[asset][from] -= amount
	f.mint(asset, to, amount)
	return chain.StatusSuccess, nil
}

func (f *fakeTokens) BalanceOf(ctx context.Context, asset chain.Asset, account chain.Account) (int32, int64, error) {
	return chain.StatusSuccess, f.balances[asset][account], nil
}

func (f *fakeTokens) Approve(ctx context.Context, asset chain.Asset, spender chain.Account, amount int64) (int32, error) {
	f.approved = append(f.approved, approval{asset: asset, spender: spender, amount: amount})
	return chain.StatusSuccess, nil
}

type fakeOracle struct {
	price chain.Price
}

func (f *fakeOracle) UpdateFee(ctx context.Context, payloads [][]byte) (int64, error) {
	return 0, nil
}

func (f *fakeOracle) ApplyUpdate(ctx context.Context, payloads [][]byte, fee int64) error {
	return nil
}

func (f *fakeOracle) PriceNoOlderThan(ctx context.Context, feed chain.FeedID, maxAge time.Duration) (chain.Price, error) {
	price := f.price
	price.PublishedAt = time.Now().UTC()
	return price, nil
}

type fakeVenue struct {
	tokens   *fakeTokens
	rateNum  int64
	rateDen  int64
	failSwap bool
	minOut   int64
	deadline time.Time
}

func (f *fakeVenue) quote(amountIn int64) int64 {
	return amountIn * f.rateNum / f.rateDen
}

func (f *fakeVenue) QuoteOut(ctx context.Context, assetIn, assetOut chain.Asset, amountIn int64) (int64, error) {
	return f.quote(amountIn), nil
}

func (f *fakeVenue) SwapExactInput(ctx context.Context, assetIn, assetOut chain.Asset, amountIn, minOut int64, recipient chain.Account, deadline time.Time) (int64, error) {
	f.minOut = minOut
	f.deadline = deadline
	if f.failSwap {
		return 0, errors.New("venue rejected the swap")
	}
	out := f.quote(amountIn)
	if out < minOut {
		return 0, fmt.Errorf("output %d below minimum %d", out, minOut)
	}
	if code, err := f.tokens.Transfer(ctx, assetIn, recipient, engSpender, amountIn); err != nil || code != chain.StatusSuccess {
		return 0, fmt.Errorf("venue could not pull input (code %d)", code)
	}
	f.tokens.mint(assetOut, recipient, out)
	return out, nil
}

func (f *fakeVenue) PairExists(ctx context.Context, assetA, assetB chain.Asset) (bool, error) {
	return true, nil
}

type captureHistory struct {
	records []Record
}

func (c *captureHistory) RecordRebalance(ctx context.Context, rec Record) error {
	c.records = append(c.records, rec)
	return nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fixture struct {
	tokens *fakeTokens
	vault  *ledger.Vault
	store  *oracle.Store
	venue  *fakeVenue
	sink   *captureHistory
	eng    *Engine
}

// newFixture seeds a two-token vault, a volatility record, and an engine
// whose custody account is an authorized executor on the vault.
func newFixture(t *testing.T, sellBal, buyBal, volatilityBps int64) *fixture {
	t.Helper()
	ctx := context.Background()

	tokens := newFakeTokens()
	registry := ledger.NewRegistry(tokens, time.Hour, nil, noopLogger())
	vault, err := registry.CreateVault(ctx, engOwner, engVault)
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if err := vault.AuthorizeExecutor(ctx, engOwner, engAccount); err != nil {
		t.Fatalf("AuthorizeExecutor failed: %v", err)
	}
	for _, asset := range []chain.Asset{tokenSell, tokenBuy} {
		if err := vault.Associate(ctx, engOwner, asset); err != nil {
			t.Fatalf("Associate failed: %v", err)
		}
	}
	if sellBal > 0 {
		tokens.mint(tokenSell, engOwner, sellBal)
		if err := vault.Deposit(ctx, engOwner, tokenSell, sellBal); err != nil {
			t.Fatalf("seed sell deposit failed: %v", err)
		}
	}
	if buyBal > 0 {
		tokens.mint(tokenBuy, engOwner, buyBal)
		if err := vault.Deposit(ctx, engOwner, tokenBuy, buyBal); err != nil {
			t.Fatalf("seed buy deposit failed: %v", err)
		}
	}

	store := oracle.NewStore(engOwner, &fakeOracle{price: chain.Price{Mantissa: 100_000_000, Exponent: -8}}, nil, noopLogger())
	if _, err := store.Update(ctx, engOwner, testFeed, []byte{0x01}, volatilityBps, 0); err != nil {
		t.Fatalf("seed volatility failed: %v", err)
	}

	venue := &fakeVenue{tokens: tokens, rateNum: 2, rateDen: 1}
	sink := &captureHistory{}
	eng, err := New(Config{
		Account:      engAccount,
		Owner:        engOwner,
		VenueSpender: engSpender,
	}, tokens, store, venue, sink, noopLogger())
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	if err := eng.AuthorizeAgent(engOwner, engAgent); err != nil {
		t.Fatalf("AuthorizeAgent failed: %v", err)
	}

	return &fixture{tokens: tokens, vault: vault, store: store, venue: venue, sink: sink, eng: eng}
}

func evenSplit() Params {
	return Params{
		SellAsset:              tokenSell,
		BuyAsset:               tokenBuy,
		TargetSellBps:          5000,
		TargetBuyBps:           5000,
		Feed:                   testFeed,
		VolatilityThresholdBps: 3000,
	}
}

func TestRebalanceExecutesOnDriftUnderVolatility(t *testing.T) {
	f := newFixture(t, 12000, 8000, 4000)
	ctx := context.Background()

	needed, drift, err := f.eng.NeedsRebalancing(ctx, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !needed || drift != 1000 {
		t.Fatalf("probe = (%t, %d), want (true, 1000)", needed, drift)
	}

	record, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("rebalance failed: %v", err)
	}
	if record.AmountSold != 2000 {
		t.Fatalf("sold = %d, want 2000", record.AmountSold)
	}
	if record.AmountBought != 4000 {
		t.Fatalf("bought = %d, want 4000", record.AmountBought)
	}
	if record.VolatilityBps != 4000 {
		t.Fatalf("volatility = %d, want 4000", record.VolatilityBps)
	}

	if got := f.vault.TrackedBalance(tokenSell); got != 10000 {
		t.Fatalf("sell balance = %d, want 10000", got)
	}
	if got := f.vault.TrackedBalance(tokenBuy); got != 12000 {
		t.Fatalf("buy balance = %d, want 12000", got)
	}

	// 100 bps slippage on a quote of 4000.
	if f.venue.minOut != 3960 {
		t.Fatalf("minOut = %d, want 3960", f.venue.minOut)
	}
	if len(f.tokens.approved) != 1 || f.tokens.approved[0].spender != engSpender || f.tokens.approved[0].amount != 2000 {
		t.Fatalf("unexpected approvals %+v", f.tokens.approved)
	}

	if len(f.sink.records) != 1 || f.sink.records[0].Vault != engVault {
		t.Fatalf("history sink should hold the record, got %+v", f.sink.records)
	}
	if got := f.eng.HistoryFor(engVault); len(got) != 1 {
		t.Fatalf("HistoryFor returned %d records, want 1", len(got))
	}
	if got := f.eng.HistoryFor(outsider); len(got) != 0 {
		t.Fatalf("HistoryFor(unknown) returned %d records, want 0", len(got))
	}
}

func TestVolatilityGateBlocksAction(t *testing.T) {
	f := newFixture(t, 12000, 8000, 2999)
	ctx := context.Background()

	needed, drift, err := f.eng.NeedsRebalancing(ctx, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if needed || drift != 0 {
		t.Fatalf("probe = (%t, %d), want (false, 0)", needed, drift)
	}

	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit()); !errors.Is(err, ErrRebalanceNotNeeded) {
		t.Fatalf("expected ErrRebalanceNotNeeded, got %v", err)
	}
	if got := f.vault.TrackedBalance(tokenSell); got != 12000 {
		t.Fatalf("gated pass must not move funds, sell = %d", got)
	}
}

func TestDriftGateBlocksBalancedVault(t *testing.T) {
	f := newFixture(t, 10000, 10000, 9000)
	ctx := context.Background()

	needed, drift, err := f.eng.NeedsRebalancing(ctx, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if needed || drift != 0 {
		t.Fatalf("probe = (%t, %d), want (false, 0)", needed, drift)
	}
	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit()); !errors.Is(err, ErrRebalanceNotNeeded) {
		t.Fatalf("expected ErrRebalanceNotNeeded, got %v", err)
	}
}

func TestAllocationsSumToWhole(t *testing.T) {
	cases := []struct{ sell, buy int64 }{
		{12000, 8000},
		{1, 3},
		{7919, 104729},
		{1, 0},
		{333333, 666667},
	}
	for _, tc := range cases {
		f := newFixture(t, tc.sell, tc.buy, 4000)
		alloc, err := f.eng.allocations(f.vault, evenSplit(), oracle.Record{})
		if err != nil {
			t.Fatalf("%d/%d: allocations failed: %v", tc.sell, tc.buy, err)
		}
		// Truncation toward zero may shave at most one bps off the total.
		sum := alloc.sellBps + alloc.buyBps
		if sum < 9999 || sum > 10000 {
			t.Fatalf("%d/%d: allocation sum = %d, want 10000 within truncation", tc.sell, tc.buy, sum)
		}
	}

	f := newFixture(t, 0, 0, 4000)
	alloc, err := f.eng.allocations(f.vault, evenSplit(), oracle.Record{})
	if err != nil {
		t.Fatalf("empty vault allocations failed: %v", err)
	}
	if alloc.sellBps != 0 || alloc.buyBps != 0 {
		t.Fatalf("empty vault should allocate nothing, got %d/%d", alloc.sellBps, alloc.buyBps)
	}
}

func TestDriftIsSymmetric(t *testing.T) {
	pairs := [][2]int64{{6000, 5000}, {0, 10000}, {123, 9877}, {5000, 5000}}
	for _, pr := range pairs {
		if absDiff(pr[0], pr[1]) != absDiff(pr[1], pr[0]) {
			t.Fatalf("absDiff(%d, %d) not symmetric", pr[0], pr[1])
		}
	}

	// Swapping the observed and target allocations yields the same drift.
	observed := allocation{sellBps: 6200, buyBps: 3800}
	p := evenSplit()
	swapped := allocation{sellBps: p.TargetSellBps, buyBps: p.TargetBuyBps}
	q := p
	q.TargetSellBps = observed.sellBps
	q.TargetBuyBps = observed.buyBps
	if observed.drift(p) != swapped.drift(q) {
		t.Fatalf("drift not symmetric: %d vs %d", observed.drift(p), swapped.drift(q))
	}
}

func TestSizingIsOneDirectional(t *testing.T) {
	// The sell side is under target; drift clears the gate but no sale can
	// be sized.
	f := newFixture(t, 8000, 12000, 4000)
	ctx := context.Background()

	needed, drift, err := f.eng.NeedsRebalancing(ctx, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !needed || drift != 1000 {
		t.Fatalf("probe = (%t, %d), want (true, 1000)", needed, drift)
	}

	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit()); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("under-target sell side should fail sizing, got %v", err)
	}
}

func TestLargeQuoteMinOutStaysExact(t *testing.T) {
	// A quote near 4e15 would overflow int64 bps arithmetic; the decimal
	// path must keep the slippage cut exact.
	f := newFixture(t, 4_000_000_000_000_000, 0, 4000)
	ctx := context.Background()

	record, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit())
	if err != nil {
		t.Fatalf("rebalance failed: %v", err)
	}
	if record.AmountSold != 2_000_000_000_000_000 {
		t.Fatalf("sold = %d, want 2000000000000000", record.AmountSold)
	}
	if record.AmountBought != 4_000_000_000_000_000 {
		t.Fatalf("bought = %d, want 4000000000000000", record.AmountBought)
	}
	// 100 bps off a quote of 4e15.
	if want := int64(3_960_000_000_000_000); f.venue.minOut != want {
		t.Fatalf("minOut = %d, want %d", f.venue.minOut, want)
	}
}

func TestSwapFailureReturnsFunds(t *testing.T) {
	f := newFixture(t, 12000, 8000, 4000)
	f.venue.failSwap = true
	ctx := context.Background()

	_, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit())
	if err == nil {
		t.Fatal("failing venue should surface an error")
	}
	if !strings.Contains(err.Error(), "funds returned to vault") {
		t.Fatalf("error should note the refund, got %v", err)
	}

	if got := f.vault.TrackedBalance(tokenSell); got != 12000 {
		t.Fatalf("sell balance after rollback = %d, want 12000", got)
	}
	if got := f.vault.TrackedBalance(tokenBuy); got != 8000 {
		t.Fatalf("buy balance after rollback = %d, want 8000", got)
	}
	if len(f.sink.records) != 0 {
		t.Fatalf("failed pass must not append history, got %d records", len(f.sink.records))
	}
}

func TestRebalanceRejectsReentrancy(t *testing.T) {
	f := newFixture(t, 12000, 8000, 4000)

	f.eng.mu.Lock()
	_, err := f.eng.Rebalance(context.Background(), engAgent, f.vault, evenSplit())
	f.eng.mu.Unlock()

	if !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
}

func TestAgentAuthorization(t *testing.T) {
	f := newFixture(t, 12000, 8000, 4000)
	ctx := context.Background()

	if _, err := f.eng.Rebalance(ctx, outsider, f.vault, evenSplit()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown agent should fail, got %v", err)
	}
	if err := f.eng.AuthorizeAgent(outsider, outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner grant should fail, got %v", err)
	}
	if err := f.eng.RevokeAgent(engOwner, engAgent); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, evenSplit()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked agent should fail, got %v", err)
	}
}

func TestParamsValidation(t *testing.T) {
	f := newFixture(t, 12000, 8000, 4000)
	ctx := context.Background()

	p := evenSplit()
	p.BuyAsset = p.SellAsset
	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, p); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("identical assets should fail, got %v", err)
	}

	p = evenSplit()
	p.TargetSellBps = 10001
	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, p); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("target above 10000 bps should fail, got %v", err)
	}

	p = evenSplit()
	p.VolatilityThresholdBps = -1
	if _, err := f.eng.Rebalance(ctx, engAgent, f.vault, p); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("negative threshold should fail, got %v", err)
	}

	if _, err := f.eng.Rebalance(ctx, engAgent, nil, evenSplit()); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("nil vault should fail, got %v", err)
	}
}

func TestNativeSideValuedThroughFeed(t *testing.T) {
	ctx := context.Background()

	tokens := newFakeTokens()
	registry := ledger.NewRegistry(tokens, time.Hour, nil, noopLogger())
	vault, err := registry.CreateVault(ctx, engOwner, engVault)
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if err := vault.AuthorizeExecutor(ctx, engOwner, engAccount); err != nil {
		t.Fatalf("AuthorizeExecutor failed: %v", err)
	}
	if err := vault.Associate(ctx, engOwner, tokenSell); err != nil {
		t.Fatalf("Associate failed: %v", err)
	}
	tokens.mint(tokenSell, engOwner, 12000)
	if err := vault.Deposit(ctx, engOwner, tokenSell, 12000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	tokens.mint(chain.Native, engOwner, 8000)
	if err := vault.DepositNative(ctx, engOwner, 8000); err != nil {
		t.Fatalf("native deposit failed: %v", err)
	}

	// Price 1.0: one native smallest-unit counts as one value unit.
	store := oracle.NewStore(engOwner, &fakeOracle{price: chain.Price{Mantissa: 100_000_000, Exponent: -8}}, nil, noopLogger())
	if _, err := store.Update(ctx, engOwner, testFeed, []byte{0x01}, 4000, 0); err != nil {
		t.Fatalf("seed volatility failed: %v", err)
	}

	venue := &fakeVenue{tokens: tokens, rateNum: 1, rateDen: 1}
	eng, err := New(Config{Account: engAccount, Owner: engOwner, VenueSpender: engSpender}, tokens, store, venue, nil, noopLogger())
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	if err := eng.AuthorizeAgent(engOwner, engAgent); err != nil {
		t.Fatalf("AuthorizeAgent failed: %v", err)
	}

	p := evenSplit()
	p.BuyAsset = chain.Native

	record, err := eng.Rebalance(ctx, engAgent, vault, p)
	if err != nil {
		t.Fatalf("rebalance failed: %v", err)
	}
	if record.AmountSold != 2000 || record.AmountBought != 2000 {
		t.Fatalf("record = sold %d bought %d, want 2000/2000", record.AmountSold, record.AmountBought)
	}
	if got := vault.NativeBalance(); got != 10000 {
		t.Fatalf("native balance = %d, want 10000", got)
	}
	if got := vault.TrackedBalance(tokenSell); got != 10000 {
		t.Fatalf("sell balance = %d, want 10000", got)
	}
}

func TestSetMaxDriftBounds(t *testing.T) {
	f := newFixture(t, 0, 0, 0)

	if err := f.eng.SetMaxDrift(outsider, 800); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner should fail, got %v", err)
	}
	if err := f.eng.SetMaxDrift(engOwner, 0); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("zero gate should fail, got %v", err)
	}
	if err := f.eng.SetMaxDrift(engOwner, MaxDriftCeilingBps+1); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("gate above ceiling should fail, got %v", err)
	}
	if err := f.eng.SetMaxDrift(engOwner, 800); err != nil {
		t.Fatalf("valid gate failed: %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tokens := newFakeTokens()
	store := oracle.NewStore(engOwner, &fakeOracle{}, nil, noopLogger())
	venue := &fakeVenue{tokens: tokens, rateNum: 1, rateDen: 1}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero account", Config{Owner: engOwner}},
		{"zero owner", Config{Account: engAccount}},
		{"drift above ceiling", Config{Account: engAccount, Owner: engOwner, MaxDriftBps: MaxDriftCeilingBps + 1}},
		{"slippage at denominator", Config{Account: engAccount, Owner: engOwner, SlippageBps: 10000}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, tokens, store, venue, nil, noopLogger()); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", tc.name, err)
		}
	}

	eng, err := New(Config{Account: engAccount, Owner: engOwner}, tokens, store, venue, nil, noopLogger())
	if err != nil {
		t.Fatalf("defaulted config failed: %v", err)
	}
	if eng.cfg.MaxDriftBps != DefaultMaxDriftBps || eng.cfg.SlippageBps != DefaultSlippageBps || eng.cfg.SwapDeadline != DefaultSwapDeadline {
		t.Fatalf("defaults not applied: %+v", eng.cfg)
	}
}
