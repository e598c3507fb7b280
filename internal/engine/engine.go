package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/oracle"
)

const (
	bpsDenominator int64 = 10_000

	// DefaultMaxDriftBps is the allocation drift that warrants action.
	DefaultMaxDriftBps int64 = 500

	// MaxDriftCeilingBps bounds owner adjustments of the drift gate.
	MaxDriftCeilingBps int64 = 2_000

	// DefaultSlippageBps derives the minimum acceptable swap output from
	// the venue quote.
	DefaultSlippageBps int64 = 100

	// DefaultSwapDeadline is handed to the venue with every swap.
	DefaultSwapDeadline = 60 * time.Second
)

var (
	ErrUnauthorized         = errors.New("engine: caller not a registered agent")
	ErrInvalidAddress       = errors.New("engine: invalid vault or asset address")
	ErrInvalidConfiguration = errors.New("engine: invalid configuration")
	ErrRebalanceNotNeeded   = errors.New("engine: rebalance not needed")
	ErrReentrantCall        = errors.New("engine: reentrant call rejected")
)

var normalizedBase = decimal.New(1, 18)

// Params describe one rebalance request: the pair, the target allocation of
// each side in basis points, the feed gating the decision, and the
// volatility threshold below which no action is taken. The sell side must
// be the over-allocated asset; sizing is one-directional.
type Params struct {
	SellAsset              chain.Asset
	BuyAsset               chain.Asset
	TargetSellBps          int64
	TargetBuyBps           int64
	Feed                   chain.FeedID
	VolatilityThresholdBps int64
}

func (p Params) validate() error {
	if p.SellAsset == (chain.Asset{}) || p.BuyAsset == (chain.Asset{}) || p.SellAsset == p.BuyAsset {
		return ErrInvalidAddress
	}
	if p.TargetSellBps < 0 || p.TargetSellBps > bpsDenominator ||
		p.TargetBuyBps < 0 || p.TargetBuyBps > bpsDenominator {
		return ErrInvalidConfiguration
	}
	if p.VolatilityThresholdBps < 0 {
		return ErrInvalidConfiguration
	}
	return nil
}

// Record is one appended history entry for an executed rebalance.
type Record struct {
	Vault         chain.Account
	AssetSold     chain.Asset
	AssetBought   chain.Asset
	AmountSold    int64
	AmountBought  int64
	VolatilityBps int64
	At            time.Time
}

// HistorySink receives executed rebalance records for persistence.
type HistorySink interface {
	RecordRebalance(ctx context.Context, rec Record) error
}

// Config tunes the engine.
type Config struct {
	// Account is the engine's own custody account. It must be an
	// authorized executor on every vault it manages.
	Account chain.Account
	// Owner manages the agent table and the drift gate.
	Owner chain.Account
	// VenueSpender is approved to pull the sell asset for a swap.
	VenueSpender chain.Account
	MaxDriftBps  int64
	SlippageBps  int64
	SwapDeadline time.Duration
}

// Engine decides whether a vault's two-asset allocation has drifted enough,
// under high-enough volatility, to warrant action, then executes the trade
// and reconciles vault balances. Each invocation is a fresh pass with no
// persisted state machine.
type Engine struct {
	cfg    Config
	tokens chain.TokenService
	store  *oracle.Store
	venue  chain.SwapVenue
	sink   HistorySink
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	agents  map[chain.Account]bool
	history []Record
}

// New constructs a rebalance engine. Defaults apply to zero config values.
func New(cfg Config, tokens chain.TokenService, store *oracle.Store, venue chain.SwapVenue, sink HistorySink, logger zerolog.Logger) (*Engine, error) {
	if cfg.Account == (chain.Account{}) || cfg.Owner == (chain.Account{}) {
		return nil, ErrInvalidConfiguration
	}
	if cfg.MaxDriftBps == 0 {
		cfg.MaxDriftBps = DefaultMaxDriftBps
	}
	if cfg.MaxDriftBps < 0 || cfg.MaxDriftBps > MaxDriftCeilingBps {
		return nil, ErrInvalidConfiguration
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps >= bpsDenominator {
		return nil, ErrInvalidConfiguration
	}
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = DefaultSwapDeadline
	}
	return &Engine{
		cfg:    cfg,
		tokens: tokens,
		store:  store,
		venue:  venue,
		sink:   sink,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    time.Now,
		agents: make(map[chain.Account]bool),
	}, nil
}

// Account returns the engine's custody account.
func (e *Engine) Account() chain.Account { return e.cfg.Account }

// AuthorizeAgent grants an account the right to trigger rebalancing.
func (e *Engine) AuthorizeAgent(caller, agent chain.Account) error {
	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	if agent == (chain.Account{}) {
		return ErrInvalidAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[agent] = true
	return nil
}

// RevokeAgent removes an agent.
func (e *Engine) RevokeAgent(caller, agent chain.Account) error {
	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, agent)
	return nil
}

// SetMaxDrift adjusts the drift gate within the ceiling.
func (e *Engine) SetMaxDrift(caller chain.Account, bps int64) error {
	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	if bps <= 0 || bps > MaxDriftCeilingBps {
		return ErrInvalidConfiguration
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxDriftBps = bps
	return nil
}

// NeedsRebalancing performs the volatility and drift gates without mutating
// anything, returning whether action is warranted and the observed drift in
// basis points. A volatility below the threshold reports (false, 0).
func (e *Engine) NeedsRebalancing(ctx context.Context, vault *ledger.Vault, p Params) (bool, int64, error) {
	if vault == nil {
		return false, 0, ErrInvalidAddress
	}
	if err := p.validate(); err != nil {
		return false, 0, err
	}

	rec, err := e.gatedRecord(p)
	if err != nil {
		if errors.Is(err, ErrRebalanceNotNeeded) {
			return false, 0, nil
		}
		return false, 0, err
	}

	alloc, err := e.allocations(vault, p, rec)
	if err != nil {
		return false, 0, err
	}
	drift := alloc.drift(p)
	return drift >= e.maxDrift(), drift, nil
}

// Rebalance runs the full decision-and-execution pass: gates, sizing,
// withdrawal, swap, proceeds deposit, history. Precondition failures leave
// all state untouched; a venue failure after the withdraw returns the funds
// to the vault before the error is re-raised.
func (e *Engine) Rebalance(ctx context.Context, caller chain.Account, vault *ledger.Vault, p Params) (Record, error) {
	if !e.mu.TryLock() {
		return Record{}, ErrReentrantCall
	}
	defer e.mu.Unlock()

	if !e.agents[caller] {
		return Record{}, ErrUnauthorized
	}
	if vault == nil {
		return Record{}, ErrInvalidAddress
	}
	if err := p.validate(); err != nil {
		return Record{}, err
	}

	// Read volatility and price once; the whole invocation uses this view.
	rec, err := e.gatedRecord(p)
	if err != nil {
		return Record{}, err
	}

	alloc, err := e.allocations(vault, p, rec)
	if err != nil {
		return Record{}, err
	}
	if alloc.drift(p) < e.cfg.MaxDriftBps {
		return Record{}, ErrRebalanceNotNeeded
	}

	amountToSell, err := alloc.sellAmount(p)
	if err != nil {
		return Record{}, err
	}

	if err := e.withdraw(ctx, vault, p.SellAsset, amountToSell); err != nil {
		return Record{}, fmt.Errorf("withdraw sell asset: %w", err)
	}

	bought, err := e.swap(ctx, p, amountToSell)
	if err != nil {
		// Value has left the vault's custody; return it before re-raising.
		if retErr := e.deposit(ctx, vault, p.SellAsset, amountToSell); retErr != nil {
			e.logger.Error().Err(retErr).
				Str("vault", vault.Account().Hex()).
				Int64("amount", amountToSell).
				Msg("failed to return withdrawn funds after swap failure")
			return Record{}, errors.Join(err, retErr)
		}
		e.logger.Warn().Err(err).Str("vault", vault.Account().Hex()).Msg("swap failed, withdrawn funds returned")
		return Record{}, fmt.Errorf("swap failed, funds returned to vault: %w", err)
	}

	if err := e.deposit(ctx, vault, p.BuyAsset, bought); err != nil {
		return Record{}, fmt.Errorf("deposit proceeds: %w", err)
	}

	record := Record{
		Vault:         vault.Account(),
		AssetSold:     p.SellAsset,
		AssetBought:   p.BuyAsset,
		AmountSold:    amountToSell,
		AmountBought:  bought,
		VolatilityBps: rec.VolatilityBps,
		At:            e.now().UTC(),
	}
	e.history = append(e.history, record)
	if e.sink != nil {
		if sinkErr := e.sink.RecordRebalance(ctx, record); sinkErr != nil {
			e.logger.Error().Err(sinkErr).Msg("failed to persist rebalance record")
		}
	}

	e.logger.Info().
		Str("vault", record.Vault.Hex()).
		Str("sold", record.AssetSold.Hex()).
		Str("bought", record.AssetBought.Hex()).
		Int64("amount_sold", record.AmountSold).
		Int64("amount_bought", record.AmountBought).
		Int64("volatility_bps", record.VolatilityBps).
		Msg("rebalance executed")
	return record, nil
}

// HistoryFor returns the appended records for one vault, oldest first.
func (e *Engine) HistoryFor(vault chain.Account) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Record
	for _, rec := range e.history {
		if rec.Vault == vault {
			out = append(out, rec)
		}
	}
	return out
}

func (e *Engine) maxDrift() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.MaxDriftBps
}

// gatedRecord reads the feed record, enforces staleness, and applies the
// volatility gate.
func (e *Engine) gatedRecord(p Params) (oracle.Record, error) {
	stale, err := e.store.IsStale(p.Feed, 0)
	if err != nil {
		return oracle.Record{}, err
	}
	if stale {
		return oracle.Record{}, oracle.ErrStalePrice
	}
	rec, err := e.store.VolatilityData(p.Feed)
	if err != nil {
		return oracle.Record{}, err
	}
	if rec.VolatilityBps < p.VolatilityThresholdBps {
		return oracle.Record{}, ErrRebalanceNotNeeded
	}
	return rec, nil
}

// allocation carries the common-unit value view of one invocation.
type allocation struct {
	sellValue decimal.Decimal
	buyValue  decimal.Decimal
	total     decimal.Decimal
	sellBps   int64
	buyBps    int64
	sellBal   int64
	price     decimal.Decimal // normalized, set when a side is native
}

// allocations converts both balances to the common value basis and computes
// each side's share in basis points, truncating toward zero. A zero total
// yields zero allocations.
func (e *Engine) allocations(vault *ledger.Vault, p Params, rec oracle.Record) (allocation, error) {
	var a allocation

	if p.SellAsset == chain.Native || p.BuyAsset == chain.Native {
		price, err := e.store.NormalizedPrice(p.Feed)
		if err != nil {
			return a, err
		}
		a.price = price
	}

	a.sellBal = e.balanceOf(vault, p.SellAsset)
	buyBal := e.balanceOf(vault, p.BuyAsset)

	a.sellValue = e.valueOf(p.SellAsset, a.sellBal, a.price)
	a.buyValue = e.valueOf(p.BuyAsset, buyBal, a.price)
	a.total = a.sellValue.Add(a.buyValue)

	if a.total.IsZero() {
		return a, nil
	}
	bps := decimal.NewFromInt(bpsDenominator)
	a.sellBps = a.sellValue.Mul(bps).DivRound(a.total, 32).Truncate(0).IntPart()
	a.buyBps = a.buyValue.Mul(bps).DivRound(a.total, 32).Truncate(0).IntPart()
	return a, nil
}

func (e *Engine) balanceOf(vault *ledger.Vault, asset chain.Asset) int64 {
	if asset == chain.Native {
		return vault.NativeBalance()
	}
	return vault.TrackedBalance(asset)
}

// valueOf maps a balance into the common value basis: native balances are
// priced through the feed, token balances count at face value.
func (e *Engine) valueOf(asset chain.Asset, balance int64, price decimal.Decimal) decimal.Decimal {
	v := decimal.NewFromInt(balance)
	if asset == chain.Native {
		return v.Mul(price).Div(normalizedBase).Truncate(0)
	}
	return v
}

// drift is the larger of the two sides' absolute allocation deviations.
func (a allocation) drift(p Params) int64 {
	ds := absDiff(a.sellBps, p.TargetSellBps)
	db := absDiff(a.buyBps, p.TargetBuyBps)
	if db > ds {
		return db
	}
	return ds
}

// sellAmount sizes the trade: only the over-allocated side is sold, and the
// result is clamped to the vault's available balance. A sell side at or
// under its target sizes to zero and fails.
func (a allocation) sellAmount(p Params) (int64, error) {
	excess := a.sellBps - p.TargetSellBps
	if excess <= 0 {
		return 0, ledger.ErrInsufficientBalance
	}

	value := a.total.Mul(decimal.NewFromInt(excess)).Div(decimal.NewFromInt(bpsDenominator)).Truncate(0)
	amount := value
	if p.SellAsset == chain.Native {
		amount = value.Mul(normalizedBase).DivRound(a.price, 32).Truncate(0)
	}

	units := amount.IntPart()
	if units > a.sellBal {
		units = a.sellBal
	}
	if units <= 0 {
		return 0, ledger.ErrInsufficientBalance
	}
	return units, nil
}

func (e *Engine) withdraw(ctx context.Context, vault *ledger.Vault, asset chain.Asset, amount int64) error {
	if asset == chain.Native {
		return vault.WithdrawNative(ctx, e.cfg.Account, amount, e.cfg.Account)
	}
	return vault.WithdrawTo(ctx, e.cfg.Account, asset, amount, e.cfg.Account)
}

func (e *Engine) deposit(ctx context.Context, vault *ledger.Vault, asset chain.Asset, amount int64) error {
	if asset == chain.Native {
		return vault.DepositNative(ctx, e.cfg.Account, amount)
	}
	return vault.Deposit(ctx, e.cfg.Account, asset, amount)
}

// swap quotes the venue, derives the minimum acceptable output from the
// slippage tolerance, approves the spender, and executes.
func (e *Engine) swap(ctx context.Context, p Params, amountIn int64) (int64, error) {
	quoted, err := e.venue.QuoteOut(ctx, p.SellAsset, p.BuyAsset, amountIn)
	if err != nil {
		return 0, fmt.Errorf("quote swap: %w", err)
	}
	minOut := decimal.NewFromInt(quoted).
		Mul(decimal.NewFromInt(bpsDenominator - e.cfg.SlippageBps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Truncate(0).IntPart()
	if minOut <= 0 {
		return 0, fmt.Errorf("quoted output %d too small", quoted)
	}

	if p.SellAsset != chain.Native && e.cfg.VenueSpender != (chain.Account{}) {
		code, err := e.tokens.Approve(ctx, p.SellAsset, e.cfg.VenueSpender, amountIn)
		if err != nil {
			return 0, fmt.Errorf("approve venue: %w", err)
		}
		if code != chain.StatusSuccess {
			return 0, chain.NewServiceCallError("approve", code)
		}
	}

	deadline := e.now().UTC().Add(e.cfg.SwapDeadline)
	out, err := e.venue.SwapExactInput(ctx, p.SellAsset, p.BuyAsset, amountIn, minOut, e.cfg.Account, deadline)
	if err != nil {
		return 0, err
	}
	return out, nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
