package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account identifies a principal on the chain (owner, agent, vault, engine).
type Account = common.Address

// Asset identifies a fungible token by its contract address.
type Asset = common.Address

// Native denotes the chain's native currency in asset arguments, using the
// conventional 0xEeee... sentinel so it can never collide with a real token.
var Native = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// FeedID names one price/volatility series tracked by the oracle.
type FeedID [32]byte

// FeedIDFromHex parses a 32-byte feed identifier from a hex string.
func FeedIDFromHex(s string) (FeedID, error) {
	var id FeedID
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse feed id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("feed id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (f FeedID) String() string {
	return "0x" + hex.EncodeToString(f[:])
}

// TokenService is the token-accounting collaborator. Status is a coded
// integer; StatusSuccess means the operation took effect, anything else is
// translated through ReasonForCode.
type TokenService interface {
	Associate(ctx context.Context, account Account, asset Asset) (int32, error)
	Transfer(ctx context.Context, asset Asset, from, to Account, amount int64) (int32, error)
	BalanceOf(ctx context.Context, asset Asset, account Account) (int32, int64, error)
	Approve(ctx context.Context, asset Asset, spender Account, amount int64) (int32, error)
}

// Price is an oracle quotation: Mantissa x 10^Exponent, with a confidence
// interval and the upstream publish time. Never a float.
type Price struct {
	Mantissa    int64
	Confidence  uint64
	Exponent    int32
	PublishedAt time.Time
}

// PriceOracle is the pull-based price/volatility collaborator. Updates carry
// a per-call fee quoted by UpdateFee.
type PriceOracle interface {
	UpdateFee(ctx context.Context, payloads [][]byte) (int64, error)
	ApplyUpdate(ctx context.Context, payloads [][]byte, fee int64) error
	PriceNoOlderThan(ctx context.Context, feed FeedID, maxAge time.Duration) (Price, error)
}

// SwapVenue quotes and executes exchanges of one asset for another.
type SwapVenue interface {
	QuoteOut(ctx context.Context, assetIn, assetOut Asset, amountIn int64) (int64, error)
	SwapExactInput(ctx context.Context, assetIn, assetOut Asset, amountIn, minOut int64, recipient Account, deadline time.Time) (int64, error)
	PairExists(ctx context.Context, assetA, assetB Asset) (bool, error)
}

// ServiceCallError reports a token-service operation that completed without
// signalling success.
type ServiceCallError struct {
	Op   string
	Code int32
}

func (e *ServiceCallError) Error() string {
	return fmt.Sprintf("token service %s failed: %s (code %d)", e.Op, ReasonForCode(e.Code), e.Code)
}

// NewServiceCallError wraps a non-success status code.
func NewServiceCallError(op string, code int32) error {
	return &ServiceCallError{Op: op, Code: code}
}
