package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/engine"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/oracle"
)

// SimulateOptions seed the dry-run pass: the starting balances of both
// sides, the reported volatility, the feed price, and the venue's exchange
// rate (output units per input unit).
type SimulateOptions struct {
	Pair          int
	SellBalance   int64
	BuyBalance    int64
	VolatilityBps int64
	PriceMantissa int64
	Exponent      int32
	Rate          decimal.Decimal
}

var (
	simOwner    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	simSpender  = common.HexToAddress("0x000000000000000000000000000000000000f00d")
	simVaultAcc = common.HexToAddress("0x0000000000000000000000000000000000c0ffee")
)

// SimulateRebalance runs one full engine pass against in-memory stand-ins
// for the token service, oracle, and venue. Nothing touches the chain or
// the database.
func (a *App) SimulateRebalance(ctx context.Context, opts SimulateOptions) error {
	if opts.SellBalance < 0 || opts.BuyBalance < 0 {
		return errors.New("balances must be non-negative")
	}
	if opts.PriceMantissa == 0 {
		opts.PriceMantissa = 100_000_000
		opts.Exponent = -8
	}
	if opts.Rate.IsZero() {
		opts.Rate = decimal.NewFromInt(1)
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
		return errors.New("simulation requires exactly one pair; use --pair")
	}
	pair := selected[0]

	tokens := newMemoryTokenService()
	tokens.mint(pair.SellAsset, simOwner, opts.SellBalance)
	tokens.mint(pair.BuyAsset, simOwner, opts.BuyBalance)

	registry := ledger.NewRegistry(tokens, time.Hour, nil, a.Logger)
	vault, err := registry.CreateVault(ctx, simOwner, simVaultAcc)
	if err != nil {
		return err
	}
	if err := seedSide(ctx, vault, pair.SellAsset, opts.SellBalance); err != nil {
		return err
	}
	if err := seedSide(ctx, vault, pair.BuyAsset, opts.BuyBalance); err != nil {
		return err
	}

	store := oracle.NewStore(simOwner, &staticOracle{
		price: chain.Price{Mantissa: opts.PriceMantissa, Exponent: opts.Exponent},
	}, nil, a.Logger)
	if _, err := store.Update(ctx, simOwner, pair.Feed, []byte{0x01}, opts.VolatilityBps, 0); err != nil {
		return fmt.Errorf("seed volatility record: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Account:      simOwner,
		Owner:        simOwner,
		VenueSpender: simSpender,
		MaxDriftBps:  a.Config.Engine.MaxDriftBps,
		SlippageBps:  a.Config.Engine.SlippageBps,
		SwapDeadline: a.Config.Engine.SwapDeadline,
	}, tokens, store, &staticVenue{tokens: tokens, rate: opts.Rate}, nil, a.Logger)
	if err != nil {
		return err
	}
	if err := eng.AuthorizeAgent(simOwner, simOwner); err != nil {
		return err
	}

	needed, drift, err := eng.NeedsRebalancing(ctx, vault, pair)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "simulated probe: needed=%t drift=%d bps (gate %d bps, volatility %d bps, threshold %d bps)\n",
		needed, drift, a.Config.Engine.MaxDriftBps, opts.VolatilityBps, pair.VolatilityThresholdBps)

	record, err := eng.Rebalance(ctx, simOwner, vault, pair)
	if err != nil {
		if errors.Is(err, engine.ErrRebalanceNotNeeded) {
			fmt.Fprintln(os.Stdout, "simulated rebalance: not needed")
			return nil
		}
		return err
	}

	fmt.Fprintf(os.Stdout, "simulated rebalance: sold %d %s, bought %d %s\n",
		record.AmountSold, assetLabel(record.AssetSold),
		record.AmountBought, assetLabel(record.AssetBought))
	fmt.Fprintf(os.Stdout, "resulting balances: sell=%d buy=%d\n",
		simulatedBalance(vault, pair.SellAsset), simulatedBalance(vault, pair.BuyAsset))
	return nil
}

func seedSide(ctx context.Context, vault *ledger.Vault, asset chain.Asset, amount int64) error {
	if asset != chain.Native {
		if err := vault.Associate(ctx, simOwner, asset); err != nil {
			return err
		}
	}
	if amount == 0 {
		return nil
	}
	if asset == chain.Native {
		return vault.DepositNative(ctx, simOwner, amount)
	}
	return vault.Deposit(ctx, simOwner, asset, amount)
}

func simulatedBalance(vault *ledger.Vault, asset chain.Asset) int64 {
	if asset == chain.Native {
		return vault.NativeBalance()
	}
	return vault.TrackedBalance(asset)
}

// memoryTokenService keeps balances in a map. Every call reports success so
// the simulation exercises the engine's full path.
type memoryTokenService struct {
	balances map[chain.Asset]map[chain.Account]int64
}

func newMemoryTokenService() *memoryTokenService {
	return &memoryTokenService{balances: make(map[chain.Asset]map[chain.Account]int64)}
}

func (m *memoryTokenService) mint(asset chain.Asset, account chain.Account, amount int64) {
	if m.balances[asset] == nil {
		m.balances[asset] = make(map[chain.Account]int64)
	}
	m.balances[asset][account] += amount
}

func (m *memoryTokenService) Associate(ctx context.Context, account chain.Account, asset chain.Asset) (int32, error) {
	return chain.StatusSuccess, nil
}

func (m *memoryTokenService) Transfer(ctx context.Context, asset chain.Asset, from, to chain.Account, amount int64) (int32, error) {
	if m.balances[asset][from] < amount {
		return chain.StatusInsufficientBalance, nil
	}
	m.balances[asset][from] -= amount
	m.mint(asset, to, amount)
	return chain.StatusSuccess, nil
}

func (m *memoryTokenService) BalanceOf(ctx context.Context, asset chain.Asset, account chain.Account) (int32, int64, error) {
	return chain.StatusSuccess, m.balances[asset][account], nil
}

func (m *memoryTokenService) Approve(ctx context.Context, asset chain.Asset, spender chain.Account, amount int64) (int32, error) {
	return chain.StatusSuccess, nil
}

// staticOracle quotes a zero update fee and always returns the seeded price
// stamped with the current time.
type staticOracle struct {
	price chain.Price
}

func (s *staticOracle) UpdateFee(ctx context.Context, payloads [][]byte) (int64, error) {
	return 0, nil
}

func (s *staticOracle) ApplyUpdate(ctx context.Context, payloads [][]byte, fee int64) error {
	return nil
}

func (s *staticOracle) PriceNoOlderThan(ctx context.Context, feed chain.FeedID, maxAge time.Duration) (chain.Price, error) {
	price := s.price
	price.PublishedAt = time.Now().UTC()
	return price, nil
}

// staticVenue swaps at a fixed rate against the in-memory token service.
type staticVenue struct {
	tokens *memoryTokenService
	rate   decimal.Decimal
}

func (s *staticVenue) QuoteOut(ctx context.Context, assetIn, assetOut chain.Asset, amountIn int64) (int64, error) {
	return decimal.NewFromInt(amountIn).Mul(s.rate).Truncate(0).IntPart(), nil
}

func (s *staticVenue) SwapExactInput(ctx context.Context, assetIn, assetOut chain.Asset, amountIn, minOut int64, recipient chain.Account, deadline time.Time) (int64, error) {
	out, err := s.QuoteOut(ctx, assetIn, assetOut, amountIn)
	if err != nil {
		return 0, err
	}
	if out < minOut {
		return 0, fmt.Errorf("output %d below minimum %d", out, minOut)
	}
	if code, err := s.tokens.Transfer(ctx, assetIn, recipient, simSpender, amountIn); err != nil || code != chain.StatusSuccess {
		return 0, fmt.Errorf("venue could not pull input (code %d)", code)
	}
	s.tokens.mint(assetOut, recipient, out)
	return out, nil
}

func (s *staticVenue) PairExists(ctx context.Context, assetA, assetB chain.Asset) (bool, error) {
	return true, nil
}

var (
	_ chain.TokenService = (*memoryTokenService)(nil)
	_ chain.PriceOracle  = (*staticOracle)(nil)
	_ chain.SwapVenue    = (*staticVenue)(nil)
)
