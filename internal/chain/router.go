package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

const routerABIJSON = `[
  {"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"factory","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const factoryABIJSON = `[
  {"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"internalType":"address","name":"pair","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	routerABI  abi.ABI
	factoryABI abi.ABI

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	var err error
	if routerABI, err = abi.JSON(strings.NewReader(routerABIJSON)); err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}
	if factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON)); err != nil {
		panic("failed to parse factory ABI: " + err.Error())
	}
}

// Router adapts a V2-style AMM router to the SwapVenue port.
type Router struct {
	client  *Client
	router  common.Address
	logger  zerolog.Logger
	factory common.Address // resolved lazily from the router
}

// NewRouter builds the venue adapter against a deployed router contract.
func NewRouter(client *Client, router common.Address, logger zerolog.Logger) *Router {
	return &Router{
		client: client,
		router: router,
		logger: logger.With().Str("component", "swap_venue").Logger(),
	}
}

// QuoteOut returns the estimated output for an exact-input swap.
func (r *Router) QuoteOut(ctx context.Context, assetIn, assetOut Asset, amountIn int64) (int64, error) {
	data, err := routerABI.Pack("getAmountsOut", big.NewInt(amountIn), []common.Address{assetIn, assetOut})
	if err != nil {
		return 0, err
	}
	res, err := r.client.call(ctx, r.router, data)
	if err != nil {
		return 0, err
	}
	outputs, err := routerABI.Unpack("getAmountsOut", res)
	if err != nil {
		return 0, err
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return 0, errors.New("unexpected getAmountsOut response")
	}
	out := amounts[len(amounts)-1]
	if !out.IsInt64() {
		return 0, errors.New("quoted output exceeds int64 range")
	}
	return out.Int64(), nil
}

// SwapExactInput executes the swap and returns the realised output, decoded
// from the output token's transfer to the recipient.
func (r *Router) SwapExactInput(ctx context.Context, assetIn, assetOut Asset, amountIn, minOut int64, recipient Account, deadline time.Time) (int64, error) {
	data, err := routerABI.Pack("swapExactTokensForTokens",
		big.NewInt(amountIn),
		big.NewInt(minOut),
		[]common.Address{assetIn, assetOut},
		recipient,
		big.NewInt(deadline.Unix()),
	)
	if err != nil {
		return 0, err
	}

	receipt, err := r.client.send(ctx, r.router, data, nil)
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, errors.New("swap reverted")
	}

	out, found := outputFromLogs(receipt.Logs, assetOut, recipient)
	if !found {
		return 0, errors.New("swap succeeded but output transfer not found in logs")
	}

	r.logger.Info().
		Str("asset_in", assetIn.Hex()).
		Str("asset_out", assetOut.Hex()).
		Int64("amount_in", amountIn).
		Int64("amount_out", out).
		Str("tx", receipt.TxHash.Hex()).
		Msg("swap executed")
	return out, nil
}

// PairExists reports whether the factory has a pool for the pair.
func (r *Router) PairExists(ctx context.Context, assetA, assetB Asset) (bool, error) {
	factory, err := r.getFactory(ctx)
	if err != nil {
		return false, err
	}
	data, err := factoryABI.Pack("getPair", assetA, assetB)
	if err != nil {
		return false, err
	}
	res, err := r.client.call(ctx, factory, data)
	if err != nil {
		return false, err
	}
	outputs, err := factoryABI.Unpack("getPair", res)
	if err != nil {
		return false, err
	}
	pair, ok := outputs[0].(common.Address)
	if !ok {
		return false, errors.New("unexpected getPair response")
	}
	return pair != (common.Address{}), nil
}

func (r *Router) getFactory(ctx context.Context) (common.Address, error) {
	if r.factory != (common.Address{}) {
		return r.factory, nil
	}
	data, err := routerABI.Pack("factory")
	if err != nil {
		return common.Address{}, err
	}
	res, err := r.client.call(ctx, r.router, data)
	if err != nil {
		return common.Address{}, err
	}
	outputs, err := routerABI.Unpack("factory", res)
	if err != nil {
		return common.Address{}, err
	}
	factory, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("unexpected factory response")
	}
	r.factory = factory
	return factory, nil
}

func outputFromLogs(logs []*types.Log, asset Asset, recipient Account) (int64, bool) {
	for i := len(logs) - 1; i >= 0; i-- {
		log := logs[i]
		if log.Address != asset || len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		amount := new(big.Int).SetBytes(log.Data)
		if !amount.IsInt64() {
			return 0, false
		}
		return amount.Int64(), true
	}
	return 0, false
}

var _ SwapVenue = (*Router)(nil)
