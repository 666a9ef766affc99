package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/deposit"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/events"
	"github.com/certen/bridgekit/registry"
	"github.com/certen/bridgekit/types"
)

// fakeChain implements chainClient for tests.
type fakeChain struct {
	allowance *uint256.Int
	allowErr  error
}

func (f *fakeChain) Allowance(ctx context.Context, token, owner, spender evmrpc.Address) (*uint256.Int, error) {
	if f.allowErr != nil {
		return nil, f.allowErr
	}
	if f.allowance == nil {
		return uint256.NewInt(0), nil
	}
	return f.allowance, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash string) (deposit.Receipt, bool, error) {
	return deposit.Receipt{Status: 1}, true, nil
}

// fakeStatusDone always reports the bridge leg as done on the first poll.
type fakeStatusDone struct{}

func (fakeStatusDone) GetBridgeStatus(ctx context.Context, txHash string, fromChain, toChain int) (BridgeStatus, error) {
	return BridgeStatus{Status: "DONE", ReceivingTxHash: "0xrecv", ReceivingAmount: uint256.NewInt(999_500_000)}, nil
}

// fakeSigner is a scripted signer: SendTransaction returns hashes in order,
// optionally failing on a named call.
type fakeSigner struct {
	addr      evmrpc.Address
	calls     int
	failOn    int
	failErr   error
	sentHashes []string
}

func (s *fakeSigner) GetAddress(ctx context.Context) (evmrpc.Address, error) {
	return s.addr, nil
}

func (s *fakeSigner) SendTransaction(ctx context.Context, tx deposit.TxRequest) (string, error) {
	s.calls++
	if s.calls == s.failOn {
		return "", s.failErr
	}
	hash := "0xtx" + string(rune('0'+s.calls))
	s.sentHashes = append(s.sentHashes, hash)
	return hash, nil
}

// WaitForTransactionReceipt makes fakeSigner also satisfy deposit.ReceiptWaiter,
// so tests never sleep on the real approvalWait/stepTimeout durations.
func (s *fakeSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (deposit.Receipt, error) {
	return deposit.Receipt{Status: 1}, nil
}

func oneStepQuote(fromToken evmrpc.Address, approvalAddr evmrpc.Address) types.Quote {
	approval := approvalAddr
	return types.Quote{
		ID:         "quote-s4",
		ExpiresAt:  10_000,
		FromAmount: uint256.NewInt(1_000_000_000),
		ToAmount:   uint256.NewInt(999_500_000),
		Steps: []types.Step{
			{
				ID:              "step-1",
				Type:            types.StepBridge,
				FromChainID:     1,
				ToChainID:       types.DestinationChainID,
				FromToken:       fromToken,
				ToToken:         types.DestinationUSDC,
				FromAmount:      uint256.NewInt(1_000_000_000),
				ApprovalAddress: &approval,
				To:              evmrpc.MustParseAddress("0x1111111111111111111111111111111111111111"),
				Data:            []byte{0xde, 0xad},
			},
		},
	}
}

func indexOf(seq []events.Event, t events.Type, from int) int {
	for i := from; i < len(seq); i++ {
		if seq[i].Type == t {
			return i
		}
	}
	return -1
}

// assertOrder checks that each event type in want appears in seq, in order
// relative to one another (other events may be interleaved between them).
func assertOrder(t *testing.T, seq []events.Event, want []events.Type) {
	t.Helper()
	last := -1
	for _, w := range want {
		idx := indexOf(seq, w, last+1)
		if idx == -1 {
			t.Fatalf("expected event %s to be emitted, got sequence %v", w, typesOf(seq))
		}
		if idx <= last {
			t.Fatalf("expected %s to occur after previous event, got sequence %v", w, typesOf(seq))
		}
		last = idx
	}
}

func typesOf(seq []events.Event) []events.Type {
	out := make([]events.Type, 0, len(seq))
	for _, e := range seq {
		out = append(out, e.Type)
	}
	return out
}

// TestExecuteApprovalThenBridge implements scenario S4: a single-step quote
// with a non-native fromToken and zero allowance must approve, then execute
// the bridge leg, then confirm completion, in that relative event order.
func TestExecuteApprovalThenBridge(t *testing.T) {
	bus := events.New(nil)
	var seq []events.Event
	for _, ty := range []events.Type{
		events.ExecutionStarted, events.StatusChanged, events.ApprovalRequired,
		events.TransactionSent, events.TransactionConfirmed, events.ExecutionCompleted,
		events.StepChanged, events.ExecutionFailed,
	} {
		ty := ty
		bus.On(ty, func(e events.Event) { seq = append(seq, e) })
	}

	fromToken := evmrpc.MustParseAddress("0x2222222222222222222222222222222222222222")
	spender := evmrpc.MustParseAddress("0x3333333333333333333333333333333333333333")

	o := New(Config{
		Registry: registry.New(),
		Bus:      bus,
		Chain:    &fakeChain{allowance: uint256.NewInt(0)},
		Status:   fakeStatusDone{},
	})

	signer := &fakeSigner{addr: evmrpc.MustParseAddress("0x4444444444444444444444444444444444444444")}

	result := o.Execute(context.Background(), ExecuteInput{
		Quote:  oneStepQuote(fromToken, spender),
		Signer: signer,
	}, 0)

	if result.Status != types.StatusCompleted {
		t.Fatalf("expected completed status, got %v (err=%v)", result.Status, result.Error)
	}
	if result.ExecutionID == "" {
		t.Fatalf("expected a non-empty execution id")
	}

	assertOrder(t, seq, []events.Type{
		events.ExecutionStarted,
		events.StatusChanged, // approving
		events.ApprovalRequired,
		events.TransactionSent,      // approval
		events.TransactionConfirmed, // approval
		events.StatusChanged,        // executing
		events.TransactionSent,      // bridge
		events.StatusChanged,        // bridging
		events.TransactionConfirmed, // bridge
		events.StatusChanged,        // completed
		events.ExecutionCompleted,
	})

	if signer.calls != 2 {
		t.Fatalf("expected exactly 2 signer calls (approval + bridge), got %d", signer.calls)
	}
}

// TestExecuteUserRejectionFails implements scenario S5: the signer rejects
// the main step transaction, so the execution must fail with a
// non-recoverable UserRejected error and never emit EXECUTION_COMPLETED.
func TestExecuteUserRejectionFails(t *testing.T) {
	bus := events.New(nil)
	var sawCompleted, sawFailed bool
	bus.On(events.ExecutionCompleted, func(e events.Event) { sawCompleted = true })
	bus.On(events.ExecutionFailed, func(e events.Event) { sawFailed = true })

	fromToken := evmrpc.NativeToken // native: skip approval entirely

	o := New(Config{
		Registry: registry.New(),
		Bus:      bus,
		Chain:    &fakeChain{},
		Status:   fakeStatusDone{},
	})

	signer := &fakeSigner{
		addr:    evmrpc.MustParseAddress("0x5555555555555555555555555555555555555555"),
		failOn:  1,
		failErr: errors.New("User denied transaction signature"),
	}

	quote := oneStepQuote(fromToken, fromToken)
	quote.Steps[0].ApprovalAddress = nil

	result := o.Execute(context.Background(), ExecuteInput{
		Quote:  quote,
		Signer: signer,
	}, 0)

	if result.Status != types.StatusFailed {
		t.Fatalf("expected failed status, got %v", result.Status)
	}
	be, ok := bridgeerr.As(result.Error)
	if !ok {
		t.Fatalf("expected a *bridgeerr.Error, got %v", result.Error)
	}
	if be.Kind != bridgeerr.KindUserRejected {
		t.Fatalf("expected KindUserRejected, got %v", be.Kind)
	}
	if be.Recoverable {
		t.Fatalf("expected user rejection to be non-recoverable")
	}
	if !sawFailed {
		t.Fatalf("expected EXECUTION_FAILED to be emitted")
	}
	if sawCompleted {
		t.Fatalf("did not expect EXECUTION_COMPLETED to be emitted")
	}

	status := o.registry.GetStatus(result.ExecutionID)
	if !status.Found {
		t.Fatalf("expected registry entry to exist")
	}
	if len(status.Steps) != 1 || status.Steps[0].Status != types.StepRunFailed {
		t.Fatalf("expected step marked failed, got %+v", status.Steps)
	}
}

// TestMarkStepActiveRecordsMidStepProgress checks that a step transitioning
// to active records the spec's 0.5-stepProgress milestone in the registry
// immediately, rather than leaving progress stale until the step completes.
func TestMarkStepActiveRecordsMidStepProgress(t *testing.T) {
	bus := events.New(nil)
	var activeProgress int
	var sawActive bool
	reg := registry.New()
	bus.On(events.StepChanged, func(e events.Event) {
		status, ok := e.Payload.(types.StepStatus)
		if !ok || status.Status != types.StepRunActive {
			return
		}
		sawActive = true
		activeProgress = reg.GetStatus(e.ExecutionID).Progress
	})

	fromToken := evmrpc.NativeToken
	o := New(Config{
		Registry: reg,
		Bus:      bus,
		Chain:    &fakeChain{},
		Status:   fakeStatusDone{},
	})

	quote := oneStepQuote(fromToken, fromToken)
	quote.Steps[0].ApprovalAddress = nil
	signer := &fakeSigner{addr: evmrpc.MustParseAddress("0x6666666666666666666666666666666666666666")}

	result := o.Execute(context.Background(), ExecuteInput{Quote: quote, Signer: signer}, 0)
	if result.Status != types.StatusCompleted {
		t.Fatalf("expected completed status, got %v (err=%v)", result.Status, result.Error)
	}
	if !sawActive {
		t.Fatalf("expected a StepChanged event with status active")
	}
	if activeProgress != computeProgress(0, 1, 0.5) {
		t.Fatalf("expected mid-step progress %d, got %d", computeProgress(0, 1, 0.5), activeProgress)
	}
}

// TestValidateQuoteExpiredNeverOpensRegistryEntry checks that an expired
// quote fails fast without creating an execution entry.
func TestValidateQuoteExpiredNeverOpensRegistryEntry(t *testing.T) {
	o := New(Config{Registry: registry.New()})
	quote := oneStepQuote(evmrpc.NativeToken, evmrpc.NativeToken)
	quote.ExpiresAt = 100

	result := o.Execute(context.Background(), ExecuteInput{Quote: quote, Signer: &fakeSigner{}}, 200)

	if result.Status != types.StatusFailed {
		t.Fatalf("expected failed status, got %v", result.Status)
	}
	if result.ExecutionID != "" {
		t.Fatalf("expected no execution id to be assigned for a rejected quote")
	}
	if !bridgeerr.Is(result.Error, bridgeerr.KindQuoteExpired) {
		t.Fatalf("expected KindQuoteExpired, got %v", result.Error)
	}
}

// TestValidateQuoteMalformedNeverOpensRegistryEntry checks a quote with no
// steps is rejected before a registry entry is opened.
func TestValidateQuoteMalformedNeverOpensRegistryEntry(t *testing.T) {
	o := New(Config{Registry: registry.New()})
	quote := types.Quote{ID: "q", ExpiresAt: 10_000}

	result := o.Execute(context.Background(), ExecuteInput{Quote: quote, Signer: &fakeSigner{}}, 0)

	if !bridgeerr.Is(result.Error, bridgeerr.KindInvalidQuote) {
		t.Fatalf("expected KindInvalidQuote, got %v", result.Error)
	}
}
