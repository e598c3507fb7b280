package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/config"
	"vault-rebalancer/internal/engine"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/oracle"
	"vault-rebalancer/internal/scheduler"
	"vault-rebalancer/internal/service"
	"vault-rebalancer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// core bundles the wired domain: chain adapters, the managed vault, the
// volatility store, and the engine.
type core struct {
	client *chain.Client
	tokens chain.TokenService
	store  *oracle.Store
	venue  chain.SwapVenue
	vault  *ledger.Vault
	engine *engine.Engine
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildCore wires the chain adapters, creates the managed vault, and
// constructs the engine with the process operator as executor and agent.
func (a *App) buildCore(ctx context.Context, sinks *storageSinks) (*core, error) {
	cfg := a.Config

	client, err := chain.NewClient(chain.ClientOptions{
		RPCURL:      cfg.Chain.RPCURL,
		OperatorKey: cfg.Chain.OperatorKey,
		ChainID:     cfg.Chain.ChainID,
		Timeout:     cfg.Chain.RequestTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	operator := client.Operator()

	tokens := chain.NewHTSService(client, a.Logger)
	oracleAddr, err := parseAddress(cfg.Chain.OracleAddress, "chain.oracle_address")
	if err != nil {
		return nil, err
	}
	routerAddr, err := parseAddress(cfg.Chain.RouterAddress, "chain.router_address")
	if err != nil {
		return nil, err
	}
	pyth := chain.NewPythOracle(client, oracleAddr, a.Logger)
	venue := chain.NewRouter(client, routerAddr, a.Logger)

	owner, err := parseAddress(cfg.Vault.Owner, "vault.owner")
	if err != nil {
		return nil, err
	}
	vaultAccount, err := parseAddress(cfg.Vault.Account, "vault.account")
	if err != nil {
		return nil, err
	}

	var eventSink ledger.EventSink
	var historySink engine.HistorySink
	var snapshotSink oracle.SnapshotSink
	if sinks != nil {
		eventSink = sinks
		historySink = sinks
		snapshotSink = sinks
	}

	registry := ledger.NewRegistry(tokens, cfg.Vault.AutoSyncThreshold, eventSink, a.Logger)
	vault, err := registry.CreateVault(ctx, owner, vaultAccount)
	if err != nil {
		return nil, err
	}
	if err := vault.AuthorizeExecutor(ctx, owner, operator); err != nil {
		return nil, err
	}
	for _, raw := range cfg.Vault.Assets {
		asset, err := parseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("vault.assets: %w", err)
		}
		if err := vault.Associate(ctx, owner, asset); err != nil && !errors.Is(err, ledger.ErrTokenAlreadyAssociated) {
			return nil, fmt.Errorf("associate %s: %w", raw, err)
		}
	}
	if err := vault.SyncAll(ctx); err != nil {
		return nil, fmt.Errorf("initial sync: %w", err)
	}

	store := oracle.NewStore(operator, pyth, snapshotSink, a.Logger)
	if cfg.Oracle.MaxStaleness > 0 {
		if err := store.SetMaxStaleness(operator, cfg.Oracle.MaxStaleness); err != nil {
			return nil, err
		}
	}
	for _, raw := range cfg.Oracle.Updaters {
		updater, err := parseAddress(raw, "oracle.updaters")
		if err != nil {
			return nil, err
		}
		if err := store.AuthorizeUpdater(operator, updater); err != nil {
			return nil, err
		}
	}

	eng, err := engine.New(engine.Config{
		Account:      operator,
		Owner:        operator,
		VenueSpender: routerAddr,
		MaxDriftBps:  cfg.Engine.MaxDriftBps,
		SlippageBps:  cfg.Engine.SlippageBps,
		SwapDeadline: cfg.Engine.SwapDeadline,
	}, tokens, store, venue, historySink, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := eng.AuthorizeAgent(operator, operator); err != nil {
		return nil, err
	}
	for _, raw := range cfg.Engine.Agents {
		agent, err := parseAddress(raw, "engine.agents")
		if err != nil {
			return nil, err
		}
		if err := eng.AuthorizeAgent(operator, agent); err != nil {
			return nil, err
		}
	}

	return &core{
		client: client,
		tokens: tokens,
		store:  store,
		venue:  venue,
		vault:  vault,
		engine: eng,
	}, nil
}

// verifyPairs checks that the venue has a pool for every configured
// token/token pair. Pairs with a native side are skipped; the venue routes
// those through its wrapped representation.
func (a *App) verifyPairs(ctx context.Context, venue chain.SwapVenue, pairs []engine.Params) error {
	for i, pair := range pairs {
		if pair.SellAsset == chain.Native || pair.BuyAsset == chain.Native {
			continue
		}
		exists, err := venue.PairExists(ctx, pair.SellAsset, pair.BuyAsset)
		if err != nil {
			return fmt.Errorf("pairs[%d]: verify venue pool: %w", i, err)
		}
		if !exists {
			return fmt.Errorf("pairs[%d]: venue has no pool for %s/%s", i, pair.SellAsset.Hex(), pair.BuyAsset.Hex())
		}
	}
	return nil
}

// pairParams converts the configured pairs into engine parameters.
func (a *App) pairParams() ([]engine.Params, error) {
	params := make([]engine.Params, 0, len(a.Config.Pairs))
	for i, pair := range a.Config.Pairs {
		sell, err := parseAsset(pair.SellAsset)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].sell_asset: %w", i, err)
		}
		buy, err := parseAsset(pair.BuyAsset)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].buy_asset: %w", i, err)
		}
		feed, err := chain.FeedIDFromHex(pair.Feed)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].feed: %w", i, err)
		}
		params = append(params, engine.Params{
			SellAsset:              sell,
			BuyAsset:               buy,
			TargetSellBps:          pair.TargetSellBps,
			TargetBuyBps:           pair.TargetBuyBps,
			Feed:                   feed,
			VolatilityThresholdBps: pair.VolatilityThresholdBps,
		})
	}
	return params, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running drift watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	wired, err := a.buildCore(ctx, newStorageSinks(store))
	if err != nil {
		return err
	}
	pairs, err := a.pairParams()
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return errors.New("no pairs configured; nothing to watch")
	}
	if err := a.verifyPairs(ctx, wired.venue, pairs); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var locker storage.AdvisoryLocker
	if store != nil {
		locker = store
	}

	svc := service.New(service.Options{
		Scheduler: sched,
		Engine:    wired.engine,
		Vault:     wired.vault,
		Agent:     wired.client.Operator(),
		Pairs:     pairs,
		Notifier:  a.newNotifier(),
		Channels:  a.Config.Alerting.Channels,
		AlertsOn:  a.Config.Alerting.Enabled,
		Locker:    locker,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	a.Logger.Info().Msg("starting drift watcher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("drift watcher stopped")
	return nil
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not a valid address", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAsset accepts a token address or the literal "native".
func parseAsset(raw string) (chain.Asset, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "native") {
		return chain.Native, nil
	}
	if !common.IsHexAddress(raw) {
		return chain.Asset{}, fmt.Errorf("%q is not a valid asset address", raw)
	}
	return common.HexToAddress(raw), nil
}

// ExportOptions hold parameters for exporting volatility history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
	Vault string
}

// CheckOptions configure the one-shot drift probe.
type CheckOptions struct {
	Pair int
}

// RebalanceOptions configure the one-shot execution.
type RebalanceOptions struct {
	Pair int
}
