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
	"github.com/rs/zerolog"
)

const pythABIJSON = `[
  {"inputs":[{"internalType":"bytes[]","name":"updateData","type":"bytes[]"}],"name":"getUpdateFee","outputs":[{"internalType":"uint256","name":"feeAmount","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"bytes[]","name":"updateData","type":"bytes[]"}],"name":"updatePriceFeeds","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"bytes32","name":"id","type":"bytes32"},{"internalType":"uint256","name":"age","type":"uint256"}],"name":"getPriceNoOlderThan","outputs":[{"components":[{"internalType":"int64","name":"price","type":"int64"},{"internalType":"uint64","name":"conf","type":"uint64"},{"internalType":"int32","name":"expo","type":"int32"},{"internalType":"uint256","name":"publishTime","type":"uint256"}],"internalType":"struct PythStructs.Price","name":"price","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

var pythABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(pythABIJSON))
	if err != nil {
		panic("failed to parse Pyth ABI: " + err.Error())
	}
	pythABI = parsed
}

// PythOracle adapts the on-chain pull oracle to the PriceOracle port.
type PythOracle struct {
	client   *Client
	contract common.Address
	logger   zerolog.Logger
}

// NewPythOracle builds the oracle adapter against a deployed contract.
func NewPythOracle(client *Client, contract common.Address, logger zerolog.Logger) *PythOracle {
	return &PythOracle{
		client:   client,
		contract: contract,
		logger:   logger.With().Str("component", "price_oracle").Logger(),
	}
}

// UpdateFee quotes the fee for applying the given update payloads.
func (o *PythOracle) UpdateFee(ctx context.Context, payloads [][]byte) (int64, error) {
	data, err := pythABI.Pack("getUpdateFee", payloads)
	if err != nil {
		return 0, err
	}
	res, err := o.client.call(ctx, o.contract, data)
	if err != nil {
		return 0, err
	}
	outputs, err := pythABI.Unpack("getUpdateFee", res)
	if err != nil {
		return 0, err
	}
	fee, ok := outputs[0].(*big.Int)
	if !ok || !fee.IsInt64() {
		return 0, errors.New("getUpdateFee returned out-of-range value")
	}
	return fee.Int64(), nil
}

// ApplyUpdate forwards the update payloads, attaching the fee as value.
func (o *PythOracle) ApplyUpdate(ctx context.Context, payloads [][]byte, fee int64) error {
	data, err := pythABI.Pack("updatePriceFeeds", payloads)
	if err != nil {
		return err
	}
	receipt, err := o.client.send(ctx, o.contract, data, big.NewInt(fee))
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return errors.New("updatePriceFeeds reverted")
	}
	return nil
}

// PriceNoOlderThan fetches the current price, rejecting quotes older than
// maxAge. The rejection happens on-chain; an over-age price surfaces as a
// call error.
func (o *PythOracle) PriceNoOlderThan(ctx context.Context, feed FeedID, maxAge time.Duration) (Price, error) {
	data, err := pythABI.Pack("getPriceNoOlderThan", feed, big.NewInt(int64(maxAge.Seconds())))
	if err != nil {
		return Price{}, err
	}
	res, err := o.client.call(ctx, o.contract, data)
	if err != nil {
		return Price{}, err
	}
	outputs, err := pythABI.Unpack("getPriceNoOlderThan", res)
	if err != nil {
		return Price{}, err
	}

	raw, ok := outputs[0].(struct {
		Price       int64    `json:"price"`
		Conf        uint64   `json:"conf"`
		Expo        int32    `json:"expo"`
		PublishTime *big.Int `json:"publishTime"`
	})
	if !ok {
		return Price{}, errors.New("unexpected getPriceNoOlderThan response")
	}

	return Price{
		Mantissa:    raw.Price,
		Confidence:  raw.Conf,
		Exponent:    raw.Expo,
		PublishedAt: time.Unix(raw.PublishTime.Int64(), 0).UTC(),
	}, nil
}

var _ PriceOracle = (*PythOracle)(nil)
