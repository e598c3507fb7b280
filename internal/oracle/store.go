package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/chain"
)

const (
	// MaxVolatilityBps caps stored volatility (100x in basis points).
	MaxVolatilityBps int64 = 1_000_000

	// DefaultMaxStaleness is the window after which a record is unusable.
	DefaultMaxStaleness = 300 * time.Second

	// StalenessCeiling bounds how far owners may relax the window.
	StalenessCeiling = 3600 * time.Second

	// NormalizedDecimals is the fixed decimal base prices are rescaled to.
	NormalizedDecimals int32 = 18
)

var (
	ErrUnauthorized      = errors.New("oracle: caller not authorized")
	ErrUnknownFeed       = errors.New("oracle: unknown feed")
	ErrEmptyPayload      = errors.New("oracle: update payload must be non-empty")
	ErrVolatilityTooHigh = errors.New("oracle: volatility exceeds maximum")
	ErrInsufficientFee   = errors.New("oracle: fee below required update fee")
	ErrBatchMismatch     = errors.New("oracle: feeds and volatilities must be equal-length and non-empty")
	ErrStalePrice        = errors.New("oracle: price older than staleness window")
	ErrNegativePrice     = errors.New("oracle: negative price")
	ErrInvalidStaleness  = errors.New("oracle: staleness window out of bounds")
	ErrRevokeOwner       = errors.New("oracle: owner cannot revoke itself")
	ErrReentrantCall     = errors.New("oracle: reentrant call rejected")
)

// Record is the stored state for one feed.
type Record struct {
	VolatilityBps int64
	PriceMantissa int64
	Confidence    uint64
	Exponent      int32
	UpdatedAt     time.Time
}

// SnapshotSink receives a copy of every stored record for audit purposes.
type SnapshotSink interface {
	RecordVolatility(ctx context.Context, feed chain.FeedID, rec Record) error
}

// Store is the single source of truth for per-feed volatility and
// reference prices, gating rebalancing decisions.
type Store struct {
	owner  chain.Account
	oracle chain.PriceOracle
	logger zerolog.Logger
	sink   SnapshotSink
	now    func() time.Time

	mu           sync.Mutex
	records      map[chain.FeedID]Record
	feeds        []chain.FeedID
	updaters     map[chain.Account]bool
	maxStaleness time.Duration
}

// NewStore builds a volatility store owned by owner. The owner is always an
// authorized updater.
func NewStore(owner chain.Account, oracle chain.PriceOracle, sink SnapshotSink, logger zerolog.Logger) *Store {
	return &Store{
		owner:        owner,
		oracle:       oracle,
		logger:       logger.With().Str("component", "volatility_store").Logger(),
		sink:         sink,
		now:          time.Now,
		records:      make(map[chain.FeedID]Record),
		updaters:     map[chain.Account]bool{owner: true},
		maxStaleness: DefaultMaxStaleness,
	}
}

// Update pays the oracle fee, forwards the payload, fetches the resulting
// price within the staleness window, and stores a fresh record. The unspent
// part of fee is returned as a refund to the caller.
func (s *Store) Update(ctx context.Context, caller chain.Account, feed chain.FeedID, payload []byte, volatilityBps int64, fee int64) (int64, error) {
	if !s.mu.TryLock() {
		return 0, ErrReentrantCall
	}
	defer s.mu.Unlock()
	return s.update(ctx, caller, feed, payload, volatilityBps, fee)
}

// BatchUpdate applies several feed updates against one fee payment. Arrays
// must be equal length and non-empty; any failure aborts the whole batch.
func (s *Store) BatchUpdate(ctx context.Context, caller chain.Account, feeds []chain.FeedID, payloads [][]byte, volatilities []int64, fee int64) (int64, error) {
	if !s.mu.TryLock() {
		return 0, ErrReentrantCall
	}
	defer s.mu.Unlock()

	if len(feeds) == 0 || len(feeds) != len(volatilities) || len(feeds) != len(payloads) {
		return 0, ErrBatchMismatch
	}
	if !s.updaters[caller] {
		return 0, ErrUnauthorized
	}
	for i, vol := range volatilities {
		if len(payloads[i]) == 0 {
			return 0, ErrEmptyPayload
		}
		if vol < 0 || vol > MaxVolatilityBps {
			return 0, ErrVolatilityTooHigh
		}
	}

	required, err := s.oracle.UpdateFee(ctx, payloads)
	if err != nil {
		return 0, err
	}
	if fee < required {
		return 0, ErrInsufficientFee
	}
	if err := s.oracle.ApplyUpdate(ctx, payloads, required); err != nil {
		return 0, err
	}

	// Stage every record before storing any so a stale feed mid-batch
	// leaves no partial state behind.
	staged := make([]Record, len(feeds))
	for i, feed := range feeds {
		rec, err := s.buildRecord(ctx, feed, volatilities[i])
		if err != nil {
			return 0, err
		}
		staged[i] = rec
	}
	for i, feed := range feeds {
		s.commit(ctx, feed, staged[i])
	}
	return fee - required, nil
}

func (s *Store) update(ctx context.Context, caller chain.Account, feed chain.FeedID, payload []byte, volatilityBps int64, fee int64) (int64, error) {
	if !s.updaters[caller] {
		return 0, ErrUnauthorized
	}
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if volatilityBps < 0 || volatilityBps > MaxVolatilityBps {
		return 0, ErrVolatilityTooHigh
	}

	payloads := [][]byte{payload}
	required, err := s.oracle.UpdateFee(ctx, payloads)
	if err != nil {
		return 0, err
	}
	if fee < required {
		return 0, ErrInsufficientFee
	}
	if err := s.oracle.ApplyUpdate(ctx, payloads, required); err != nil {
		return 0, err
	}
	rec, err := s.buildRecord(ctx, feed, volatilityBps)
	if err != nil {
		return 0, err
	}
	s.commit(ctx, feed, rec)
	return fee - required, nil
}

// buildRecord pulls the post-update price and validates it against the
// staleness window without touching store state. Callers hold the store lock.
func (s *Store) buildRecord(ctx context.Context, feed chain.FeedID, volatilityBps int64) (Record, error) {
	price, err := s.oracle.PriceNoOlderThan(ctx, feed, s.maxStaleness)
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	if now.Sub(price.PublishedAt) > s.maxStaleness {
		return Record{}, ErrStalePrice
	}
	return Record{
		VolatilityBps: volatilityBps,
		PriceMantissa: price.Mantissa,
		Confidence:    price.Confidence,
		Exponent:      price.Exponent,
		UpdatedAt:     now,
	}, nil
}

// commit stores a validated record and notifies the sink. Callers hold the
// store lock.
func (s *Store) commit(ctx context.Context, feed chain.FeedID, rec Record) {
	if _, known := s.records[feed]; !known {
		s.feeds = append(s.feeds, feed)
	}
	s.records[feed] = rec

	if s.sink != nil {
		if err := s.sink.RecordVolatility(ctx, feed, rec); err != nil {
			s.logger.Error().Err(err).Str("feed", feed.String()).Msg("failed to persist volatility snapshot")
		}
	}
	s.logger.Info().
		Str("feed", feed.String()).
		Int64("volatility_bps", rec.VolatilityBps).
		Int64("price_mantissa", rec.PriceMantissa).
		Int32("exponent", rec.Exponent).
		Msg("volatility record updated")
}

// Volatility returns the stored volatility for a feed in basis points.
func (s *Store) Volatility(feed chain.FeedID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[feed]
	if !ok {
		return 0, ErrUnknownFeed
	}
	return rec.VolatilityBps, nil
}

// VolatilityData returns the full stored record for a feed.
func (s *Store) VolatilityData(feed chain.FeedID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[feed]
	if !ok {
		return Record{}, ErrUnknownFeed
	}
	return rec, nil
}

// NormalizedPrice rescales the stored mantissa x 10^exponent price to the
// fixed 18-decimal basis. Negative prices are rejected.
func (s *Store) NormalizedPrice(feed chain.FeedID) (decimal.Decimal, error) {
	s.mu.Lock()
	rec, ok := s.records[feed]
	s.mu.Unlock()
	if !ok {
		return decimal.Decimal{}, ErrUnknownFeed
	}
	return normalize(rec.PriceMantissa, rec.Exponent)
}

// normalize computes mantissa x 10^(exponent + NormalizedDecimals). When
// the negative exponent's magnitude exceeds the target base the rescale is
// a division; decimal exponent arithmetic keeps it exact either way.
func normalize(mantissa int64, exponent int32) (decimal.Decimal, error) {
	if mantissa < 0 {
		return decimal.Decimal{}, ErrNegativePrice
	}
	return decimal.New(mantissa, exponent+NormalizedDecimals), nil
}

// IsStale reports whether the feed's record is older than threshold. A zero
// threshold selects the store's configured window.
func (s *Store) IsStale(feed chain.FeedID, threshold time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[feed]
	if !ok {
		return false, ErrUnknownFeed
	}
	if threshold <= 0 {
		threshold = s.maxStaleness
	}
	return s.now().UTC().Sub(rec.UpdatedAt) > threshold, nil
}

// SupportedFeeds lists the feeds with stored records.
func (s *Store) SupportedFeeds() []chain.FeedID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chain.FeedID, len(s.feeds))
	copy(out, s.feeds)
	return out
}

// AuthorizeUpdater grants an account the right to push updates.
func (s *Store) AuthorizeUpdater(caller, updater chain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrUnauthorized
	}
	s.updaters[updater] = true
	s.logger.Info().Str("updater", updater.Hex()).Msg("updater authorized")
	return nil
}

// RevokeUpdater removes an updater. The owner cannot revoke itself.
func (s *Store) RevokeUpdater(caller, updater chain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrUnauthorized
	}
	if updater == s.owner {
		return ErrRevokeOwner
	}
	delete(s.updaters, updater)
	s.logger.Info().Str("updater", updater.Hex()).Msg("updater revoked")
	return nil
}

// SetMaxStaleness adjusts the staleness window within the ceiling.
func (s *Store) SetMaxStaleness(caller chain.Account, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrUnauthorized
	}
	if window <= 0 || window > StalenessCeiling {
		return ErrInvalidStaleness
	}
	s.maxStaleness = window
	return nil
}

// RemoveFeed drops a feed's record and swap-and-pops it from the supported
// list.
func (s *Store) RemoveFeed(caller chain.Account, feed chain.FeedID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return ErrUnauthorized
	}
	if _, ok := s.records[feed]; !ok {
		return ErrUnknownFeed
	}
	delete(s.records, feed)
	for i, f := range s.feeds {
		if f == feed {
			s.feeds[i] = s.feeds[len(s.feeds)-1]
			s.feeds = s.feeds[:len(s.feeds)-1]
			break
		}
	}
	return nil
}
