package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ClientOptions parameterise RPC access and the operator identity used to
// sign state-changing calls.
type ClientOptions struct {
	RPCURL      string
	OperatorKey string
	ChainID     int64
	Timeout     time.Duration
}

// Client wraps an ethclient with lazy dialling and a signing operator.
type Client struct {
	opts     ClientOptions
	logger   zerolog.Logger
	key      *ecdsa.PrivateKey
	operator Account
	chainID  *big.Int

	clientMux sync.Mutex
	client    *ethclient.Client
}

// NewClient prepares a chain client. The RPC connection is established on
// first use.
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("chain rpc url not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "chain_client").Logger(),
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(opts.ChainID),
	}, nil
}

// Operator returns the account that signs state-changing calls.
func (c *Client) Operator() Account {
	return c.operator
}

func (c *Client) timeout() time.Duration {
	if c.opts.Timeout > 0 {
		return c.opts.Timeout
	}
	return 15 * time.Second
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// call performs a read-only contract call.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{From: c.operator, To: &to, Data: data}, nil)
}

// send signs and submits a transaction and waits until it is mined.
func (c *Client) send(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ctxCall, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	nonce, err := client.PendingNonceAt(ctxCall, c.operator)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctxCall)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	gasLimit, err := client.EstimateGas(ctxCall, ethereum.CallMsg{
		From:     c.operator,
		To:       &to,
		Data:     data,
		Value:    value,
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctxCall, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Debug().Str("tx", signed.Hash().Hex()).Str("to", to.Hex()).Msg("transaction submitted")

	receipt, err := bind.WaitMined(ctx, client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	return receipt, nil
}
