// Package orchestrator implements the execution orchestrator from spec.md
// §4.9 (C11): validate quote -> open registry entry -> per-step loop
// (approval, step transaction, bridge-status poll) -> terminal, emitting
// events and funneling errors through bridgeerr. Grounded on the
// multi-stage pipeline shape of pkg/execution/unified_orchestrator.go
// (fixed ordered stages, a status callback at each transition, typed stage
// errors folded into one terminal result) and the thin collaborator-wiring
// style of pkg/execution/executor.go.
package orchestrator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
	"github.com/certen/bridgekit/bridgelog"
	"github.com/certen/bridgekit/deposit"
	"github.com/certen/bridgekit/evmrpc"
	"github.com/certen/bridgekit/events"
	"github.com/certen/bridgekit/metrics"
	"github.com/certen/bridgekit/registry"
	"github.com/certen/bridgekit/types"
)

// Defaults per spec.md §4.9/§5.
const (
	DefaultApprovalWait  = 3 * time.Second
	DefaultBridgePoll    = 5 * time.Second
	DefaultStepTimeout   = 10 * time.Minute
)

// chainClient is the subset of chain access the orchestrator needs,
// isolated as an interface for testability. *evmrpc.Client, adapted via
// deposit.WrapClient, satisfies this.
type chainClient interface {
	Allowance(ctx context.Context, token, owner, spender evmrpc.Address) (*uint256.Int, error)
	TransactionReceipt(ctx context.Context, txHash string) (deposit.Receipt, bool, error)
}

// StepTransaction is the raw calldata for one step's on-chain transaction.
type StepTransaction struct {
	To    evmrpc.Address
	Data  []byte
	Value *uint256.Int
}

// StepFetcher re-quotes a step to produce fresh transaction details, per
// spec.md §4.9: "Fetch step transaction details (route re-quote for that
// leg...)". Optional: when nil, the orchestrator uses the step's own
// To/Data/Value fields as already embedded by the quote engine.
type StepFetcher interface {
	FetchStepTransaction(ctx context.Context, step types.Step) (StepTransaction, error)
}

// BridgeStatus is the aggregator's projection of one step's bridge progress.
type BridgeStatus struct {
	Status          string // "PENDING" | "DONE" | "FAILED"
	Substatus       string
	ReceivingTxHash string
	ReceivingAmount *uint256.Int
}

// StatusPoller queries the aggregator's bridge status endpoint.
type StatusPoller interface {
	GetBridgeStatus(ctx context.Context, txHash string, fromChain, toChain int) (BridgeStatus, error)
}

// ExecuteInput bundles one execution request, per spec.md §4.9's
// {quote, signer, onStepChange?, onStatusChange?, onApprovalRequest?,
// onTransactionRequest?, infiniteApproval?} shape.
type ExecuteInput struct {
	Quote                types.Quote
	Signer               deposit.Signer
	OnStepChange         func(types.StepStatus)
	OnStatusChange       func(status types.ExecutionStatus, substatus string)
	OnApprovalRequest    func(types.Step)
	OnTransactionRequest func(types.Step)
	InfiniteApproval     bool
}

// Orchestrator drives executions, writing exclusively to its own registry
// and emitting events on its own bus (spec.md §4.9: "the orchestrator is the
// sole writer to the registry").
type Orchestrator struct {
	registry     *registry.Registry
	bus          *events.Bus
	chain        chainClient
	status       StatusPoller
	stepFetcher  StepFetcher
	approvalWait time.Duration
	bridgePoll   time.Duration
	stepTimeout  time.Duration
	log          *bridgelog.Logger
	metrics      *metrics.Registry
}

// Config controls Orchestrator construction.
type Config struct {
	Registry     *registry.Registry
	Bus          *events.Bus
	Chain        chainClient
	Status       StatusPoller
	StepFetcher  StepFetcher
	ApprovalWait time.Duration
	BridgePoll   time.Duration
	StepTimeout  time.Duration
	Log          *bridgelog.Logger
	Metrics      *metrics.Registry
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ApprovalWait == 0 {
		cfg.ApprovalWait = DefaultApprovalWait
	}
	if cfg.BridgePoll == 0 {
		cfg.BridgePoll = DefaultBridgePoll
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Log == nil {
		cfg.Log = bridgelog.Discard()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	return &Orchestrator{
		registry:     cfg.Registry,
		bus:          cfg.Bus,
		chain:        cfg.Chain,
		status:       cfg.Status,
		stepFetcher:  cfg.StepFetcher,
		approvalWait: cfg.ApprovalWait,
		bridgePoll:   cfg.BridgePoll,
		stepTimeout:  cfg.StepTimeout,
		log:          cfg.Log.WithComponent("orchestrator"),
		metrics:      cfg.Metrics,
	}
}

// Execute runs the full pipeline from spec.md §4.9 and always returns an
// ExecutionResult rather than propagating an error, so callers can rely on
// ExecutionID even on failure ("the orchestrator returns {status:'failed',
// error, ...} rather than throwing").
func (o *Orchestrator) Execute(ctx context.Context, in ExecuteInput, nowMS int64) types.ExecutionResult {
	quote := in.Quote

	if err := validateQuoteForExecution(quote, nowMS); err != nil {
		return types.ExecutionResult{Status: types.StatusFailed, Error: err}
	}

	executionID := uuid.NewString()
	totalSteps := len(quote.Steps)

	o.registry.Create(registry.CreateParams{
		ExecutionID:   executionID,
		QuoteID:       quote.ID,
		TotalSteps:    totalSteps,
		FromChainID:   firstChainID(quote),
		ToChainID:     types.DestinationChainID,
		FromAmount:    quote.FromAmount,
		ToAmount:      quote.ToAmount,
		EstimatedTime: quote.EstimatedTime,
		Steps:         initialStepStatuses(quote.Steps),
	})
	o.publish(events.ExecutionStarted, executionID, nil)

	result := o.runSteps(ctx, executionID, totalSteps, quote, in, nowMS)
	return result
}

func (o *Orchestrator) runSteps(ctx context.Context, executionID string, totalSteps int, quote types.Quote, in ExecuteInput, nowMS int64) types.ExecutionResult {
	var lastTxHash string
	var receivedAmount *uint256.Int

	for idx, step := range quote.Steps {
		if step.Type == types.StepDeposit {
			continue
		}

		o.markStepActive(executionID, in, step, idx, totalSteps)

		txHash, receiving, err := o.runStep(ctx, executionID, in, step)
		if err != nil {
			return o.fail(executionID, quote, idx, err, lastTxHash)
		}
		lastTxHash = txHash
		if receiving != nil {
			receivedAmount = receiving
		}

		progress := computeProgress(idx+1, totalSteps, 1.0)
		o.registry.Update(executionID, registry.StateUpdate{Progress: &progress})
	}

	hundred := 100
	o.registry.Update(executionID, registry.StateUpdate{Progress: &hundred, TxHash: &lastTxHash})
	o.setStatus(executionID, in, types.StatusCompleted, "completed")
	o.publish(events.ExecutionCompleted, executionID, map[string]any{
		"executionId":    executionID,
		"txHash":         lastTxHash,
		"receivedAmount": receivedAmount,
	})
	if o.metrics != nil {
		o.metrics.RecordExecutionOutcome("completed")
	}

	return types.ExecutionResult{
		ExecutionID:    executionID,
		Status:         types.StatusCompleted,
		TxHash:         lastTxHash,
		FromAmount:     quote.FromAmount,
		ToAmount:       quote.ToAmount,
		ReceivedAmount: receivedAmount,
	}
}

// runStep executes one non-deposit step: approval (if needed), the step
// transaction, and the bridge-status poll, per spec.md §4.9.
func (o *Orchestrator) runStep(ctx context.Context, executionID string, in ExecuteInput, step types.Step) (txHash string, receivedAmount *uint256.Int, err error) {
	stepTx, err := o.resolveStepTransaction(ctx, step)
	if err != nil {
		return "", nil, bridgeerr.Wrap(err, bridgeerr.KindInvalidQuote, "failed to resolve step transaction")
	}

	walletAddr, err := in.Signer.GetAddress(ctx)
	if err != nil {
		return "", nil, classifySignerError(err)
	}

	if needsApproval(step) {
		if err := o.runApproval(ctx, executionID, in, step, walletAddr); err != nil {
			return "", nil, err
		}
	}

	o.setStatus(executionID, in, types.StatusInProgress, "executing")
	if in.OnTransactionRequest != nil {
		safeCall(o.log, func() { in.OnTransactionRequest(step) })
	}

	sentHash, err := in.Signer.SendTransaction(ctx, deposit.TxRequest{To: stepTx.To, Data: stepTx.Data, Value: stepTx.Value, ChainID: step.FromChainID})
	if err != nil {
		return "", nil, classifySignerError(err)
	}
	o.publish(events.TransactionSent, executionID, map[string]any{"phase": "bridge", "txHash": sentHash})
	o.registry.UpdateStep(executionID, step.ID, registry.StepUpdate{TxHash: &sentHash})
	o.registry.Update(executionID, registry.StateUpdate{TxHash: &sentHash})

	o.setStatus(executionID, in, types.StatusInProgress, "bridging")

	status, err := o.pollBridgeStatus(ctx, sentHash, step)
	if err != nil {
		return "", nil, err
	}
	if status.ReceivingTxHash != "" {
		o.registry.Update(executionID, registry.StateUpdate{ReceivingTxHash: &status.ReceivingTxHash})
	}
	o.publish(events.TransactionConfirmed, executionID, map[string]any{"phase": "bridge", "txHash": sentHash, "receivingTxHash": status.ReceivingTxHash})

	completedStatus := types.StepRunCompleted
	o.registry.UpdateStep(executionID, step.ID, registry.StepUpdate{Status: &completedStatus})
	o.publishStep(executionID, types.StepStatus{StepID: step.ID, Step: step.Type, Status: types.StepRunCompleted, TxHash: sentHash})
	if in.OnStepChange != nil {
		safeCall(o.log, func() {
			in.OnStepChange(types.StepStatus{StepID: step.ID, Step: step.Type, Status: types.StepRunCompleted, TxHash: sentHash})
		})
	}

	return sentHash, status.ReceivingAmount, nil
}

// runApproval implements spec.md §4.9's approval sub-pipeline.
func (o *Orchestrator) runApproval(ctx context.Context, executionID string, in ExecuteInput, step types.Step, walletAddr evmrpc.Address) error {
	allowance, err := o.chain.Allowance(ctx, step.FromToken, walletAddr, *step.ApprovalAddress)
	if err != nil {
		return bridgeerr.Wrap(err, bridgeerr.KindBalanceFetchFailed, "failed to check allowance")
	}
	if allowance.Cmp(step.FromAmount) >= 0 {
		return nil
	}

	o.setStatus(executionID, in, types.StatusInProgress, "approving")
	if in.OnApprovalRequest != nil {
		safeCall(o.log, func() { in.OnApprovalRequest(step) })
	}
	o.publish(events.ApprovalRequired, executionID, map[string]any{"stepId": step.ID, "token": step.FromToken.String()})

	amount := step.FromAmount
	if in.InfiniteApproval {
		amount = deposit.MaxUint256
	}
	data, err := evmrpc.PackApprove(*step.ApprovalAddress, amount)
	if err != nil {
		return err
	}

	approvalHash, err := in.Signer.SendTransaction(ctx, deposit.TxRequest{To: step.FromToken, Data: data, ChainID: step.FromChainID})
	if err != nil {
		return classifySignerError(err)
	}
	o.publish(events.TransactionSent, executionID, map[string]any{"phase": "approval", "txHash": approvalHash})

	if err := o.awaitApprovalReceipt(ctx, in.Signer, approvalHash); err != nil {
		return err
	}
	o.publish(events.TransactionConfirmed, executionID, map[string]any{"phase": "approval", "txHash": approvalHash})
	o.setStatus(executionID, in, types.StatusInProgress, "approved")
	return nil
}

// awaitApprovalReceipt waits at least o.approvalWait for the approval to
// mine (spec.md §4.9: "wait briefly (>=3s) for mining (or poll)"), preferring
// the signer's own wait primitive when available.
func (o *Orchestrator) awaitApprovalReceipt(ctx context.Context, signer deposit.Signer, txHash string) error {
	if waiter, ok := signer.(deposit.ReceiptWaiter); ok {
		receipt, err := waiter.WaitForTransactionReceipt(ctx, txHash)
		if err != nil {
			return bridgeerr.Normalize(err, bridgeerr.KindTransactionFailed)
		}
		if !receipt.Succeeded() {
			return bridgeerr.New(bridgeerr.KindTransactionFailed, "approval transaction reverted").WithContext("txHash", txHash)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "approval wait cancelled")
	case <-time.After(o.approvalWait):
	}

	deadline := time.Now().Add(o.stepTimeout)
	for time.Now().Before(deadline) {
		receipt, found, err := o.chain.TransactionReceipt(ctx, txHash)
		if err != nil {
			o.log.WithError(err).Warn("approval receipt poll failed, retrying")
		} else if found {
			if !receipt.Succeeded() {
				return bridgeerr.New(bridgeerr.KindTransactionFailed, "approval transaction reverted").WithContext("txHash", txHash)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "approval wait cancelled")
		case <-time.After(o.approvalWait):
		}
	}
	return bridgeerr.Newf(bridgeerr.KindMaxRetriesExceeded, "approval transaction %s was not mined in time", txHash)
}

// pollBridgeStatus implements spec.md §4.9's 5s-cadence bridge status poll,
// a 10-minute wall-clock cap, and silent retry on transient network errors.
func (o *Orchestrator) pollBridgeStatus(ctx context.Context, txHash string, step types.Step) (BridgeStatus, error) {
	deadline := time.Now().Add(o.stepTimeout)
	ticker := time.NewTicker(o.bridgePoll)
	defer ticker.Stop()

	check := func() (BridgeStatus, bool, error) {
		status, err := o.status.GetBridgeStatus(ctx, txHash, step.FromChainID, step.ToChainID)
		if err != nil {
			o.log.WithError(err).Warn("bridge status poll failed, retrying")
			return BridgeStatus{}, false, nil
		}
		switch strings.ToUpper(status.Status) {
		case "DONE":
			return status, true, nil
		case "FAILED":
			return BridgeStatus{}, false, bridgeerr.Newf(bridgeerr.KindTransactionFailed, "bridge leg failed: %s", status.Substatus).WithContext("reason", status.Substatus)
		default:
			return BridgeStatus{}, false, nil
		}
	}

	if status, done, err := check(); err != nil {
		return BridgeStatus{}, err
	} else if done {
		return status, nil
	}

	for {
		select {
		case <-ctx.Done():
			return BridgeStatus{}, bridgeerr.Wrap(ctx.Err(), bridgeerr.KindNetworkError, "bridge status poll cancelled")
		case <-ticker.C:
			if time.Now().After(deadline) {
				return BridgeStatus{}, bridgeerr.New(bridgeerr.KindTransactionFailed, "bridge leg did not complete within the timeout").WithContext("reason", "timeout")
			}
			status, done, err := check()
			if err != nil {
				return BridgeStatus{}, err
			}
			if done {
				return status, nil
			}
		}
	}
}

func (o *Orchestrator) resolveStepTransaction(ctx context.Context, step types.Step) (StepTransaction, error) {
	if o.stepFetcher != nil {
		return o.stepFetcher.FetchStepTransaction(ctx, step)
	}
	if step.To == "" {
		return StepTransaction{}, bridgeerr.New(bridgeerr.KindInvalidQuote, "step has no embedded transaction payload and no step fetcher is configured")
	}
	return StepTransaction{To: step.To, Data: step.Data, Value: step.Value}, nil
}

// fail implements spec.md §4.9's error funnel: the current step and every
// pending/active step become failed, the registry records the error, and
// EXECUTION_FAILED is emitted.
func (o *Orchestrator) fail(executionID string, quote types.Quote, failedIndex int, cause error, lastTxHash string) types.ExecutionResult {
	normalized := bridgeerr.Normalize(cause, bridgeerr.KindTransactionFailed)

	for i, step := range quote.Steps {
		if step.Type == types.StepDeposit {
			continue
		}
		if i < failedIndex {
			continue
		}
		msg := ""
		if i == failedIndex {
			msg = normalized.Error()
		}
		failedStatus := types.StepRunFailed
		o.registry.UpdateStep(executionID, step.ID, registry.StepUpdate{Status: &failedStatus, Error: &msg})
		o.publishStep(executionID, types.StepStatus{StepID: step.ID, Step: step.Type, Status: types.StepRunFailed, Error: msg})
	}

	failedStatus := types.StatusFailed
	errMsg := normalized.Error()
	o.registry.Update(executionID, registry.StateUpdate{Status: &failedStatus, Error: &errMsg, FailedStepIndex: &failedIndex, TxHash: &lastTxHash})
	o.publish(events.ExecutionFailed, executionID, map[string]any{"executionId": executionID, "error": normalized})
	if o.metrics != nil {
		o.metrics.RecordExecutionOutcome("failed")
	}

	return types.ExecutionResult{
		ExecutionID: executionID,
		Status:      types.StatusFailed,
		TxHash:      lastTxHash,
		FromAmount:  quote.FromAmount,
		ToAmount:    quote.ToAmount,
		Error:       normalized,
	}
}

func (o *Orchestrator) markStepActive(executionID string, in ExecuteInput, step types.Step, idx, totalSteps int) {
	activeStatus := types.StepRunActive
	o.registry.UpdateStep(executionID, step.ID, registry.StepUpdate{Status: &activeStatus})
	progress := computeProgress(idx, totalSteps, 0.5)
	o.registry.Update(executionID, registry.StateUpdate{Progress: &progress})
	stepStatus := types.StepStatus{StepID: step.ID, Step: step.Type, Status: types.StepRunActive}
	o.publishStep(executionID, stepStatus)
	if in.OnStepChange != nil {
		safeCall(o.log, func() { in.OnStepChange(stepStatus) })
	}
}

// setStatus records a status/substatus transition in the registry, emits
// STATUS_CHANGED, and invokes the caller's onStatusChange callback, per
// spec.md §4.9.
func (o *Orchestrator) setStatus(executionID string, in ExecuteInput, status types.ExecutionStatus, substatus string) {
	o.registry.Update(executionID, registry.StateUpdate{Status: &status, Substatus: &substatus})
	o.publish(events.StatusChanged, executionID, statusPayload(status, substatus))
	if in.OnStatusChange != nil {
		safeCall(o.log, func() { in.OnStatusChange(status, substatus) })
	}
}

func (o *Orchestrator) publish(t events.Type, executionID string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, ExecutionID: executionID, Payload: payload})
}

func (o *Orchestrator) publishStep(executionID string, s types.StepStatus) {
	o.publish(events.StepChanged, executionID, s)
}

func statusPayload(status types.ExecutionStatus, substatus string) map[string]any {
	return map[string]any{"status": string(status), "substatus": substatus}
}

func needsApproval(step types.Step) bool {
	return !step.FromToken.IsNative() && step.FromToken != "" && step.ApprovalAddress != nil
}

func classifySignerError(err error) error {
	return bridgeerr.Normalize(err, bridgeerr.KindTransactionFailed)
}

func safeCall(log *bridgelog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", "recovered", r)
		}
	}()
	fn()
}

func initialStepStatuses(steps []types.Step) []types.StepStatus {
	out := make([]types.StepStatus, 0, len(steps))
	for _, s := range steps {
		out = append(out, types.StepStatus{StepID: s.ID, Step: s.Type, Status: types.StepRunPending})
	}
	return out
}

func firstChainID(q types.Quote) int {
	if len(q.Steps) == 0 {
		return 0
	}
	return q.Steps[0].FromChainID
}

// validateQuoteForExecution implements spec.md §4.9 step 1: fail-fast on a
// malformed quote or an already-expired one. Neither opens a registry entry.
func validateQuoteForExecution(q types.Quote, nowMS int64) error {
	if q.ID == "" || len(q.Steps) == 0 {
		return bridgeerr.New(bridgeerr.KindInvalidQuote, "quote is malformed: missing id or steps")
	}
	if q.ExpiresAt <= nowMS {
		return bridgeerr.New(bridgeerr.KindQuoteExpired, "quote has expired")
	}
	return nil
}

// computeProgress implements spec.md §4.9's progress function: progress =
// round(currentStepIndex/totalSteps*100 + stepProgress/totalSteps*100),
// clamped to 100.
func computeProgress(currentStepIndex, totalSteps int, stepProgress float64) int {
	if totalSteps == 0 {
		return 100
	}
	p := (float64(currentStepIndex)/float64(totalSteps))*100 + (stepProgress/float64(totalSteps))*100
	rounded := int(math.Round(p))
	if rounded > 100 {
		rounded = 100
	}
	return rounded
}
