package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/engine"
	"vault-rebalancer/internal/ledger"
	"vault-rebalancer/internal/scheduler"
	"vault-rebalancer/internal/storage"
)

// Service is the drift watcher: on every scan it probes each configured
// pair and triggers an engine execution when the gates clear. The engine
// itself stays purely reactive; all scheduling lives here.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	vault     *ledger.Vault
	agent     chain.Account
	pairs     []engine.Params
	notifier  alerting.Notifier
	logger    zerolog.Logger

	channels []string
	alertsOn bool
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// Options wire the watcher's collaborators.
type Options struct {
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Vault     *ledger.Vault
	Agent     chain.Account
	Pairs     []engine.Params
	Notifier  alerting.Notifier
	Channels  []string
	AlertsOn  bool
	Locker    storage.AdvisoryLocker
	LockKey   int64
}

// New constructs the watcher service.
func New(opts Options, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: opts.Scheduler,
		engine:    opts.Engine,
		vault:     opts.Vault,
		agent:     opts.Agent,
		pairs:     opts.Pairs,
		notifier:  opts.Notifier,
		logger:    logger.With().Str("component", "watcher").Logger(),
		channels:  opts.Channels,
		alertsOn:  opts.AlertsOn,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
	}
}

// Run begins the aligned scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Scan)
}

// Scan executes one watcher pass over all configured pairs.
func (s *Service) Scan(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip scan because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	for _, pair := range s.pairs {
		if err := s.scanPair(ctx, pair); err != nil {
			s.logger.Error().Err(err).
				Str("sell", pair.SellAsset.Hex()).
				Str("buy", pair.BuyAsset.Hex()).
				Msg("pair scan failed")
		}
	}
	return nil
}

func (s *Service) scanPair(ctx context.Context, pair engine.Params) error {
	needed, drift, err := s.engine.NeedsRebalancing(ctx, s.vault, pair)
	if err != nil {
		return fmt.Errorf("probe pair: %w", err)
	}
	if !needed {
		s.logger.Debug().
			Str("sell", pair.SellAsset.Hex()).
			Str("buy", pair.BuyAsset.Hex()).
			Int64("drift_bps", drift).
			Msg("no action warranted")
		return nil
	}

	record, err := s.engine.Rebalance(ctx, s.agent, s.vault, pair)
	switch {
	case err == nil:
		s.notify(ctx, alerting.Notification{
			Vault:         record.Vault.Hex(),
			AssetSold:     record.AssetSold.Hex(),
			AssetBought:   record.AssetBought.Hex(),
			AmountSold:    record.AmountSold,
			AmountBought:  record.AmountBought,
			VolatilityBps: record.VolatilityBps,
			DriftBps:      drift,
			At:            record.At,
			Channels:      s.channels,
		})
		return nil
	case errors.Is(err, engine.ErrRebalanceNotNeeded):
		// The probe and the execution read state at different instants;
		// losing the race is not an error.
		return nil
	default:
		s.notify(ctx, alerting.Notification{
			Vault:         s.vault.Account().Hex(),
			AssetSold:     pair.SellAsset.Hex(),
			AssetBought:   pair.BuyAsset.Hex(),
			DriftBps:      drift,
			At:            time.Now().UTC(),
			Failed:        true,
			FailureReason: err.Error(),
			Channels:      s.channels,
		})
		return fmt.Errorf("execute rebalance: %w", err)
	}
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("vault", note.Vault).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
