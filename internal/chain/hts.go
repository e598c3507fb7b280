package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// The token-accounting system service is exposed as a precompiled contract.
const htsPrecompileHex = "0x0000000000000000000000000000000000000167"

const htsABIJSON = `[
  {"inputs":[{"internalType":"address","name":"account","type":"address"},{"internalType":"address","name":"token","type":"address"}],"name":"associateToken","outputs":[{"internalType":"int64","name":"responseCode","type":"int64"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"token","type":"address"},{"internalType":"address","name":"sender","type":"address"},{"internalType":"address","name":"receiver","type":"address"},{"internalType":"int64","name":"amount","type":"int64"}],"name":"transferToken","outputs":[{"internalType":"int64","name":"responseCode","type":"int64"}],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABIJSON = `[
  {"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	htsABI   abi.ABI
	erc20ABI abi.ABI
)

func init() {
	var err error
	if htsABI, err = abi.JSON(strings.NewReader(htsABIJSON)); err != nil {
		panic("failed to parse HTS ABI: " + err.Error())
	}
	if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
}

// HTSService is the on-chain TokenService adapter. Token mutations go
// through the system precompile; balance reads and approvals use the
// token's ERC-20 facade. Native transfers are plain value transactions.
type HTSService struct {
	client     *Client
	precompile common.Address
	logger     zerolog.Logger
}

// NewHTSService builds the token-service adapter on a chain client.
func NewHTSService(client *Client, logger zerolog.Logger) *HTSService {
	return &HTSService{
		client:     client,
		precompile: common.HexToAddress(htsPrecompileHex),
		logger:     logger.With().Str("component", "token_service").Logger(),
	}
}

// Associate registers an account with a token.
func (s *HTSService) Associate(ctx context.Context, account Account, asset Asset) (int32, error) {
	data, err := htsABI.Pack("associateToken", account, asset)
	if err != nil {
		return 0, err
	}
	return s.sendForCode(ctx, "associateToken", data)
}

// Transfer moves amount of asset from one account to another. A Native
// asset moves value directly instead of going through the precompile.
func (s *HTSService) Transfer(ctx context.Context, asset Asset, from, to Account, amount int64) (int32, error) {
	if amount <= 0 {
		return 0, errors.New("transfer amount must be positive")
	}
	if asset == Native {
		receipt, err := s.client.send(ctx, to, nil, big.NewInt(amount))
		if err != nil {
			return 0, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return StatusContractRevert, nil
		}
		return StatusSuccess, nil
	}

	data, err := htsABI.Pack("transferToken", asset, from, to, amount)
	if err != nil {
		return 0, err
	}
	return s.sendForCode(ctx, "transferToken", data)
}

// BalanceOf reads the authoritative token balance of an account.
func (s *HTSService) BalanceOf(ctx context.Context, asset Asset, account Account) (int32, int64, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return 0, 0, err
	}
	res, err := s.client.call(ctx, asset, data)
	if err != nil {
		return 0, 0, err
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return 0, 0, err
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok || !balance.IsInt64() {
		return 0, 0, errors.New("balanceOf returned out-of-range value")
	}
	return StatusSuccess, balance.Int64(), nil
}

// Approve grants a spender allowance over the operator's tokens.
func (s *HTSService) Approve(ctx context.Context, asset Asset, spender Account, amount int64) (int32, error) {
	data, err := erc20ABI.Pack("approve", spender, big.NewInt(amount))
	if err != nil {
		return 0, err
	}
	receipt, err := s.client.send(ctx, asset, data, nil)
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return StatusContractRevert, nil
	}
	return StatusSuccess, nil
}

// sendForCode submits a precompile call and maps the receipt status to a
// response code. Receipts carry no return data, so a revert is reported as
// StatusContractRevert without the precompile's own code.
func (s *HTSService) sendForCode(ctx context.Context, op string, data []byte) (int32, error) {
	receipt, err := s.client.send(ctx, s.precompile, data, nil)
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.logger.Warn().Str("op", op).Str("tx", receipt.TxHash.Hex()).Msg("precompile call reverted")
		return StatusContractRevert, nil
	}
	return StatusSuccess, nil
}

var _ TokenService = (*HTSService)(nil)
