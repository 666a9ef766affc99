package deposit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/types"
)

type fakeClient struct {
	usdc, native, allowance *uint256.Int
	receipts                map[string]Receipt
	receiptErr              error
}

func (f *fakeClient) ERC20BalanceOf(ctx context.Context, token, owner evmrpc.Address) (*uint256.Int, error) {
	return f.usdc, nil
}

func (f *fakeClient) NativeBalanceAt(ctx context.Context, addr evmrpc.Address) (*uint256.Int, error) {
	return f.native, nil
}

func (f *fakeClient) Allowance(ctx context.Context, token, owner, spender evmrpc.Address) (*uint256.Int, error) {
	return f.allowance, nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash string) (Receipt, bool, error) {
	if f.receiptErr != nil {
		return Receipt{}, false, f.receiptErr
	}
	r, ok := f.receipts[txHash]
	return r, ok, nil
}

var wallet = evmrpc.MustParseAddress("0x00000000000000000000000000000000000000aa")

func TestValidateDepositRequirementsRejectsBelowMinimum(t *testing.T) {
	client := &fakeClient{usdc: uint256.NewInt(1_000_000), native: uint256.NewInt(1_000_000_000_000), allowance: uint256.NewInt(0)}
	ex := New(Config{Client: client})

	_, err := ex.ValidateDepositRequirements(context.Background(), wallet, uint256.NewInt(1_000_000))
	if !bridgeerr.Is(err, bridgeerr.KindMinimumDeposit) {
		t.Fatalf("expected MinimumDeposit error, got %v", err)
	}
}

func TestValidateDepositRequirementsInsufficientBalance(t *testing.T) {
	client := &fakeClient{usdc: uint256.NewInt(1_000_000), native: uint256.NewInt(1_000_000_000_000), allowance: uint256.NewInt(0)}
	ex := New(Config{Client: client})

	_, err := ex.ValidateDepositRequirements(context.Background(), wallet, uint256.NewInt(types.MinimumDepositUnits))
	if !bridgeerr.Is(err, bridgeerr.KindInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance error, got %v", err)
	}
}

func TestValidateDepositRequirementsInsufficientGas(t *testing.T) {
	client := &fakeClient{usdc: uint256.NewInt(50_000_000), native: uint256.NewInt(1), allowance: uint256.NewInt(0)}
	ex := New(Config{Client: client})

	_, err := ex.ValidateDepositRequirements(context.Background(), wallet, uint256.NewInt(types.MinimumDepositUnits))
	if !bridgeerr.Is(err, bridgeerr.KindInsufficientGas) {
		t.Fatalf("expected InsufficientGas error, got %v", err)
	}
}

func TestValidateDepositRequirementsPasses(t *testing.T) {
	client := &fakeClient{usdc: uint256.NewInt(50_000_000), native: uint256.NewInt(1_000_000_000_000_000), allowance: uint256.NewInt(0)}
	ex := New(Config{Client: client})

	req, err := ex.ValidateDepositRequirements(context.Background(), wallet, uint256.NewInt(types.MinimumDepositUnits))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.GasCost.Sign() <= 0 {
		t.Fatalf("expected positive gas cost estimate")
	}
}

type fakeSigner struct {
	txHash  string
	sendErr error
}

func (f *fakeSigner) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.txHash, nil
}

func (f *fakeSigner) GetAddress(ctx context.Context) (evmrpc.Address, error) {
	return wallet, nil
}

func TestExecuteDepositSucceedsViaReceiptPolling(t *testing.T) {
	client := &fakeClient{receipts: map[string]Receipt{"0xabc": {Status: 1}}}
	ex := New(Config{Client: client, ReceiptInterval: time.Millisecond, ReceiptMaxTries: 5})
	signer := &fakeSigner{txHash: "0xabc"}

	txHash, err := ex.ExecuteDeposit(context.Background(), signer, uint256.NewInt(types.MinimumDepositUnits), DexPerps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txHash != "0xabc" {
		t.Fatalf("expected txHash 0xabc, got %s", txHash)
	}
}

func TestExecuteDepositRevertedTransaction(t *testing.T) {
	client := &fakeClient{receipts: map[string]Receipt{"0xdead": {Status: 0}}}
	ex := New(Config{Client: client, ReceiptInterval: time.Millisecond, ReceiptMaxTries: 5})
	signer := &fakeSigner{txHash: "0xdead"}

	_, err := ex.ExecuteDeposit(context.Background(), signer, uint256.NewInt(types.MinimumDepositUnits), DexPerps)
	if !bridgeerr.Is(err, bridgeerr.KindDepositTransactionFail) {
		t.Fatalf("expected DepositTransactionFailed error, got %v", err)
	}
}

func TestExecuteDepositNeverMinedExceedsRetries(t *testing.T) {
	client := &fakeClient{receipts: map[string]Receipt{}}
	ex := New(Config{Client: client, ReceiptInterval: time.Millisecond, ReceiptMaxTries: 3})
	signer := &fakeSigner{txHash: "0xmissing"}

	_, err := ex.ExecuteDeposit(context.Background(), signer, uint256.NewInt(types.MinimumDepositUnits), DexPerps)
	if !bridgeerr.Is(err, bridgeerr.KindMaxRetriesExceeded) {
		t.Fatalf("expected MaxRetriesExceeded error, got %v", err)
	}
}

func TestApproveNormalizesUserRejection(t *testing.T) {
	client := &fakeClient{}
	ex := New(Config{Client: client})
	signer := &fakeSigner{sendErr: errors.New("user rejected the request")}

	_, err := ex.Approve(context.Background(), signer, uint256.NewInt(types.MinimumDepositUnits), false)
	if !bridgeerr.Is(err, bridgeerr.KindUserRejected) {
		t.Fatalf("expected UserRejected error, got %v", err)
	}
}

type waitingSigner struct {
	txHash  string
	receipt Receipt
	waitErr error
}

func (w *waitingSigner) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	return w.txHash, nil
}

func (w *waitingSigner) GetAddress(ctx context.Context) (evmrpc.Address, error) { return wallet, nil }

func (w *waitingSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (Receipt, error) {
	if w.waitErr != nil {
		return Receipt{}, w.waitErr
	}
	return w.receipt, nil
}

func TestExecuteDepositPrefersSignerWaitPrimitive(t *testing.T) {
	client := &fakeClient{receipts: map[string]Receipt{}} // polling would never resolve
	ex := New(Config{Client: client, ReceiptInterval: time.Millisecond, ReceiptMaxTries: 2})
	signer := &waitingSigner{txHash: "0xfeed", receipt: Receipt{Status: 1}}

	txHash, err := ex.ExecuteDeposit(context.Background(), signer, uint256.NewInt(types.MinimumDepositUnits), DexSpot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txHash != "0xfeed" {
		t.Fatalf("expected txHash 0xfeed, got %s", txHash)
	}
}
