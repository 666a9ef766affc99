// Package evmrpc wraps go-ethereum's ethclient for the handful of JSON-RPC
// calls bridgekit needs (spec.md §6: eth_call, eth_getBalance,
// eth_getTransactionReceipt), grounded on the teacher's pkg/ethereum/client.go
// Dial/BalanceAt/CallContract wiring.
package evmrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
)

// Client is a thin wrapper over *ethclient.Client for a single chain.
type Client struct {
	chainID int64
	eth     *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint, mirroring
// pkg/ethereum/client.go's NewClient.
func Dial(rpcURL string, chainID int64) (*Client, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, bridgeerr.Wrapf(err, bridgeerr.KindNetworkError, "failed to connect to EVM RPC at %s", rpcURL)
	}
	return &Client{chainID: chainID, eth: c}, nil
}

// ChainID returns the configured chain id for this client.
func (c *Client) ChainID() int64 { return c.chainID }

// NativeBalanceAt returns the native-token balance of addr as a uint256.
func (c *Client) NativeBalanceAt(ctx context.Context, addr Address) (*uint256.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(string(addr)), nil)
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "eth_getBalance failed")
	}
	return bigToUint256(bal)
}

// ERC20BalanceOf calls balanceOf(address) on token and returns the result.
func (c *Client) ERC20BalanceOf(ctx context.Context, token, owner Address) (*uint256.Int, error) {
	data, err := PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "eth_call balanceOf failed")
	}
	return bytesToUint256(out), nil
}

// Allowance calls allowance(owner, spender) on token.
func (c *Client) Allowance(ctx context.Context, token, owner, spender Address) (*uint256.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "eth_call allowance failed")
	}
	return bytesToUint256(out), nil
}

func (c *Client) call(ctx context.Context, to Address, data []byte) ([]byte, error) {
	addr := common.HexToAddress(string(to))
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
}

// SendTransaction broadcasts a transaction built by the caller's signer and
// reports only whether the broadcast failed. bridgekit never constructs transactions itself beyond the
// approve/deposit calldata in package deposit; signing is always delegated.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return bridgeerr.Wrap(err, bridgeerr.KindTransactionFailed, "failed to broadcast transaction")
	}
	return nil
}

// TransactionReceipt fetches a mined receipt, or (nil, nil) if it is not yet
// mined — the caller is expected to poll per spec.md §4.6.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, bridgeerr.Wrap(err, bridgeerr.KindNetworkError, "eth_getTransactionReceipt failed")
	}
	return receipt, nil
}

// ReceiptSucceeded reports whether a mined receipt has status 0x1.
func ReceiptSucceeded(r *types.Receipt) bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

func bigToUint256(b *big.Int) (*uint256.Int, error) {
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s overflows uint256", b.String())
	}
	return u, nil
}

func bytesToUint256(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}
