// Package deposit implements the deposit executor from spec.md §4.6 (C8):
// pre-flight validation, allowance check, optional approval, and the
// deposit/depositFor call itself, with receipt polling, grounded on the
// ticker-poll loop shape established in package arrival and on package
// evmrpc's selector table.
package deposit

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/types"
)

// Fixed gas limits and price used for the pre-flight estimate (spec.md §4.6:
// "Estimated gas cost = (approvalGasLimit + depositGasLimit) * 0.1 gwei").
const (
	ApprovalGasLimit = 60_000
	DepositGasLimit  = 150_000
	GasPriceWei      = 100_000_000 // 0.1 gwei
)

// Destination dex selectors, per spec.md §4.6.
const (
	DexPerps = types.DestinationDexPerps
	DexSpot  = types.DestinationDexSpot
)

// MaxUint256 is the infinite-approval sentinel.
var MaxUint256 = func() *uint256.Int {
	max := new(uint256.Int)
	return max.Not(max)
}()

// Receipt is a minimal mined-transaction projection.
type Receipt struct {
	Status uint64
}

// Succeeded reports whether the receipt indicates status 0x1.
func (r Receipt) Succeeded() bool { return r.Status == 1 }

// rpcClient is the subset of chain access the deposit executor needs,
// isolated as an interface for testability (the pattern established in
// packages balance and arrival). *evmrpc.Client does not satisfy this
// directly because its TransactionReceipt signature differs; use
// WrapClient to adapt it.
type rpcClient interface {
	ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error)
	NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, token, owner, spender evmrpc.Address) (*uint256.Int, error)
	TransactionReceipt(ctx context.Context, txHash string) (Receipt, bool, error)
}

// clientAdapter adapts *evmrpc.Client to rpcClient.
type clientAdapter struct {
	client *evmrpc.Client
}

// WrapClient adapts an *evmrpc.Client for use as the deposit executor's
// chain-access dependency.
func WrapClient(c *evmrpc.Client) rpcClient { return clientAdapter{client: c} }

func (a clientAdapter) ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error) {
	return a.client.ERC20BalanceOf(ctx, token, owner)
}

func (a clientAdapter) NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error) {
	return a.client.NativeBalanceAt(ctx, addr)
}

func (a clientAdapter) Allowance(ctx context.Context, token, owner, spender evmrpc.Address) (*uint256.Int, error) {
	return a.client.Allowance(ctx, token, owner, spender)
}

func (a clientAdapter) TransactionReceipt(ctx context.Context, txHash string) (Receipt, bool, error) {
	r, err := a.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return Receipt{}, false, err
	}
	if r == nil {
		return Receipt{}, false, nil
	}
	return Receipt{Status: r.Status}, true, nil
}

// TxRequest is what a Signer is asked to send, per spec.md §6's
// sendTransaction({to,data,value,gas?,gasPrice?,chainId}) shape.
type TxRequest struct {
	To      evmrpc.Address
	Data    []byte
	Value   *uint256.Int
	ChainID int
}

// Signer is the caller-supplied signing capability from spec.md §6.
type Signer interface {
	SendTransaction(ctx context.Context, tx TxRequest) (txHash string, err error)
	GetAddress(ctx context.Context) (evmrpc.Address, error)
}

// ReceiptWaiter is an optional capability a Signer may additionally implement
// (spec.md §6: "optional waitForTransactionReceipt(hash)").
type ReceiptWaiter interface {
	WaitForTransactionReceipt(ctx context.Context, txHash string) (Receipt, error)
}

// Executor runs the pre-flight check, optional approval, and deposit call.
type Executor struct {
	client          rpcClient
	chainID         int
	receiptInterval time.Duration
	receiptMaxTries int
	log             *bridgelog.Logger
}

// Config controls Executor construction.
type Config struct {
	Client          rpcClient
	ChainID         int
	ReceiptInterval time.Duration
	ReceiptMaxTries int
	Log             *bridgelog.Logger
}

// New constructs an Executor. Defaults: receipt poll every 2s, up to 60
// attempts, per spec.md §4.6.
func New(cfg Config) *Executor {
	if cfg.ReceiptInterval == 0 {
		cfg.ReceiptInterval = 2 * time.Second
	}
	if cfg.ReceiptMaxTries == 0 {
		cfg.ReceiptMaxTries = 60
	}
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	return &Executor{
		client:          cfg.Client,
		chainID:         cfg.ChainID,
		receiptInterval: cfg.ReceiptInterval,
		receiptMaxTries: cfg.ReceiptMaxTries,
		log:             cfg.Log.WithComponent("deposit"),
	}
}

// Requirements is the pre-flight snapshot validated before a deposit.
type Requirements struct {
	USDCBalance   *uint256.Int
	NativeBalance *uint256.Int
	Allowance     *uint256.Int
	GasCost       *uint256.Int
}

// ValidateDepositRequirements fetches balances/allowance in parallel and
// checks them against amount, per spec.md §4.6's pre-flight rules.
func (e *Executor) ValidateDepositRequirements(ctx context.Context, wallet evmrpc.Address, amount *uint256.Int) (Requirements, error) {
	if amount.Cmp(uint256.NewInt(types.MinimumDepositUnits)) < 0 {
		return Requirements{}, bridgeerr.Newf(bridgeerr.KindMinimumDeposit, "deposit amount %s is below the minimum of %d", amount.Dec(), types.MinimumDepositUnits).
			WithContext("required", types.MinimumDepositUnits).WithContext("amount", amount.Dec())
	}

	type result struct {
		usdc, native, allowance *uint256.Int
		err                     error
	}
	usdcCh := make(chan result, 1)
	nativeCh := make(chan result, 1)
	allowCh := make(chan result, 1)

	go func() {
		v, err := e.client.ERC20BalanceOf(ctx, types.DestinationUSDC, wallet)
		usdcCh <- result{usdc: v, err: err}
	}()
	go func() {
		v, err := e.client.NativeBalanceAt(ctx, wallet)
		nativeCh <- result{native: v, err: err}
	}()
	go func() {
		v, err := e.client.Allowance(ctx, types.DestinationUSDC, wallet, types.DepositContract)
		allowCh <- result{allowance: v, err: err}
	}()

	usdcRes, nativeRes, allowRes := <-usdcCh, <-nativeCh, <-allowCh
	if usdcRes.err != nil {
		return Requirements{}, bridgeerr.Wrap(usdcRes.err, bridgeerr.KindBalanceFetchFailed, "failed to fetch USDC balance")
	}
	if nativeRes.err != nil {
		return Requirements{}, bridgeerr.Wrap(nativeRes.err, bridgeerr.KindBalanceFetchFailed, "failed to fetch native balance")
	}
	if allowRes.err != nil {
		return Requirements{}, bridgeerr.Wrap(allowRes.err, bridgeerr.KindBalanceFetchFailed, "failed to fetch allowance")
	}

	gasCost := new(uint256.Int).Mul(uint256.NewInt(ApprovalGasLimit+DepositGasLimit), uint256.NewInt(GasPriceWei))

	req := Requirements{USDCBalance: usdcRes.usdc, NativeBalance: nativeRes.native, Allowance: allowRes.allowance, GasCost: gasCost}

	if usdcRes.usdc.Cmp(amount) < 0 {
		shortfall := new(uint256.Int).Sub(amount, usdcRes.usdc)
		return req, bridgeerr.Newf(bridgeerr.KindInsufficientBalance, "insufficient USDC balance, short by %s", shortfall.Dec()).
			WithContext("required", amount.Dec()).WithContext("available", usdcRes.usdc.Dec())
	}
	if nativeRes.native.Cmp(gasCost) < 0 {
		shortfall := new(uint256.Int).Sub(gasCost, nativeRes.native)
		return req, bridgeerr.Newf(bridgeerr.KindInsufficientGas, "insufficient gas balance, short by %s", shortfall.Dec()).
			WithContext("required", gasCost.Dec()).WithContext("available", nativeRes.native.Dec())
	}

	return req, nil
}

// Approve submits approve(depositContract, amount|MaxUint256), per spec.md
// §4.6. It does not read the current allowance; callers decide whether an
// approval is needed before calling it.
func (e *Executor) Approve(ctx context.Context, signer Signer, amount *uint256.Int, infinite bool) (string, error) {
	toApprove := amount
	if infinite {
		toApprove = MaxUint256
	}
	data, err := evmrpc.PackApprove(types.DepositContract, toApprove)
	if err != nil {
		return "", err
	}

	txHash, err := signer.SendTransaction(ctx, TxRequest{To: types.DestinationUSDC, Data: data, ChainID: e.chainID})
	if err != nil {
		return "", classifySignerError(err)
	}

	if err := e.awaitReceipt(ctx, signer, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// ExecuteDeposit encodes and submits deposit(amount, destinationDex), waits
// for the receipt, and propagates reverts per spec.md §4.6.
func (e *Executor) ExecuteDeposit(ctx context.Context, signer Signer, amount *uint256.Int, destinationDex uint32) (string, error) {
	data := evmrpc.PackDeposit(amount, destinationDex)
	return e.submitAndAwait(ctx, signer, types.DepositContract, data)
}

// ExecuteDepositFor encodes and submits depositFor(recipient, amount,
// destinationDex) on behalf of another wallet.
func (e *Executor) ExecuteDepositFor(ctx context.Context, signer Signer, recipient evmrpc.Address, amount *uint256.Int, destinationDex uint32) (string, error) {
	data, err := evmrpc.PackDepositFor(recipient, amount, destinationDex)
	if err != nil {
		return "", err
	}
	return e.submitAndAwait(ctx, signer, types.DepositContract, data)
}

func (e *Executor) submitAndAwait(ctx context.Context, signer Signer, to evmrpc.Address, data []byte) (string, error) {
	txHash, err := signer.SendTransaction(ctx, TxRequest{To: to, Data: data, ChainID: e.chainID})
	if err != nil {
		return "", classifySignerError(err)
	}
	if err := e.awaitReceipt(ctx, signer, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// awaitReceipt prefers the signer's own wait primitive when available,
// falling back to eth_getTransactionReceipt polling per spec.md §4.6.
func (e *Executor) awaitReceipt(ctx context.Context, signer Signer, txHash string) error {
	if waiter, ok := signer.(ReceiptWaiter); ok {
		receipt, err := waiter.WaitForTransactionReceipt(ctx, txHash)
		if err != nil {
			return bridgeerr.Normalize(err, bridgeerr.KindDepositTransactionFail)
		}
		if !receipt.Succeeded() {
			return bridgeerr.New(bridgeerr.KindDepositTransactionFail, "transaction reverted").WithContext("txHash", txHash)
		}
		return nil
	}

	for attempt := 0; attempt < e.receiptMaxTries; attempt++ {
		select {
		case <-ctx.Done():
			return bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "receipt polling cancelled")
		case <-time.After(e.receiptInterval):
		}
		receipt, found, err := e.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			e.log.WithError(err).Warn("receipt poll failed, retrying", "tx_hash", txHash)
			continue
		}
		if !found {
			continue
		}
		if !receipt.Succeeded() {
			return bridgeerr.New(bridgeerr.KindDepositTransactionFail, "transaction reverted").WithContext("txHash", txHash)
		}
		return nil
	}
	return bridgeerr.Newf(bridgeerr.KindMaxRetriesExceeded, "transaction %s not mined after %d attempts", txHash, e.receiptMaxTries)
}

// classifySignerError normalizes user-rejection error patterns to
// UserRejected regardless of signer implementation, per spec.md §4.6/§4.9.
func classifySignerError(err error) error {
	return bridgeerr.Normalize(err, bridgeerr.KindDepositTransactionFail)
}
