// Package types holds the shared data model from spec.md §3: the entities
// that flow between catalog, balance, quote, arrival, deposit, l1monitor,
// registry, and orchestrator. It sits above evmrpc (for Address) and below
// every domain package, mirroring the teacher's liteclient/api/types.go
// layering of wire-shaped, tagged structs above a primitive address type.
package types

import (
	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/evmrpc"
)

// Fixed constants from spec.md §6.
const (
	DestinationChainID = 999
	TestnetChainID     = 998
	TradingLedgerChainID = 1337

	MinimumDepositUnits = 5_000_000 // 5 USDC at 6 decimals

	DestinationDexPerps = 0
	DestinationDexSpot  = 0xFFFFFFFF
)

// DestinationUSDC and DepositContract are hardcoded addresses per spec.md §6.
var (
	DestinationUSDC  = evmrpc.MustParseAddress("0xb88339cb7199b77e23db6e890353e22632ba630f")
	DepositContract  = evmrpc.MustParseAddress("0x6B9E773128f453f5c2C60935Ee2DE2CBc5390A24")
)

// Chain is a source or destination EVM chain entry (spec.md §3).
type Chain struct {
	ID          int
	Key         string
	Name        string
	LogoURL     string
	NativeToken Token
	IsEVM       bool
}

// Token is a fungible asset on a given chain, canonicalized at ingress.
type Token struct {
	Address   evmrpc.Address
	Symbol    string
	Name      string
	Decimals  uint
	LogoURL   string
	ChainID   int
	PriceUSD  *float64
}

// Equal reports whether two tokens refer to the same (chainId, address) pair.
func (t Token) Equal(o Token) bool {
	return t.ChainID == o.ChainID && t.Address.Equal(o.Address)
}

// RoutePreference selects the aggregator's optimization target.
type RoutePreference string

const (
	RouteRecommended RoutePreference = "recommended"
	RouteFastest     RoutePreference = "fastest"
	RouteCheapest    RoutePreference = "cheapest"
)

// QuoteParams describes a requested transfer, validated per spec.md §3.
type QuoteParams struct {
	FromChainID     int
	ToChainID       int
	FromToken       evmrpc.Address
	ToToken         evmrpc.Address
	FromAmount      *uint256.Int
	FromAddress     evmrpc.Address
	ToAddress       *evmrpc.Address
	Slippage        float64
	RoutePreference RoutePreference
}

// StepType enumerates the kinds of route legs (spec.md §3).
type StepType string

const (
	StepApprove StepType = "approve"
	StepSwap    StepType = "swap"
	StepBridge  StepType = "bridge"
	StepDeposit StepType = "deposit"
)

// Step is a single leg of a route. To/Data/Value carry the raw transaction
// payload when the aggregator response embeds one (its "transactionRequest"
// object); they are left zero when a fresh re-quote is needed before
// execution.
type Step struct {
	ID              string
	Type            StepType
	Tool            string
	FromChainID     int
	ToChainID       int
	FromToken       evmrpc.Address
	ToToken         evmrpc.Address
	FromAmount      *uint256.Int
	ToAmount        *uint256.Int
	EstimatedTime   int // seconds
	ApprovalAddress *evmrpc.Address
	To              evmrpc.Address
	Data            []byte
	Value           *uint256.Int
}

// GasStepBreakdown is one component of GasEstimate.StepBreakdown.
type GasStepBreakdown struct {
	StepID     string
	GasLimit   *uint256.Int
	GasCostUSD float64
}

// GasEstimate aggregates gas across all steps of a quote.
type GasEstimate struct {
	GasLimit     *uint256.Int
	GasPrice     *uint256.Int
	GasCost      *uint256.Int
	GasCostUSD   float64
	NativeToken  Token
	StepBreakdown []GasStepBreakdown
}

// Fees decomposes a quote's costs per spec.md §3.
type Fees struct {
	TotalUSD       float64
	GasUSD         float64
	BridgeFeeUSD   float64
	ProtocolFeeUSD float64
	GasEstimate    GasEstimate
}

// ImpactSeverity classifies price impact magnitude (spec.md §4.4).
type ImpactSeverity string

const (
	ImpactLow      ImpactSeverity = "low"
	ImpactMedium   ImpactSeverity = "medium"
	ImpactHigh     ImpactSeverity = "high"
	ImpactVeryHigh ImpactSeverity = "very_high"
)

// Quote is the fully mapped, cacheable result of a quote fetch.
type Quote struct {
	ID                    string
	Steps                 []Step
	Fees                  Fees
	EstimatedTime         int
	FromAmount            *uint256.Int
	ToAmount              *uint256.Int
	PriceImpact           float64
	ImpactSeverity        ImpactSeverity
	HighImpact            bool
	ExpiresAt             int64 // epoch-ms
	FromToken             Token
	ToToken               Token
	IncludesAutoDeposit   bool
	ManualDepositRequired bool
}

// ExecutionStatus enumerates the lifecycle states of an ExecutionState.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
)

// IsTerminal reports whether s is a terminal status (spec.md §3 invariant).
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepRunStatus enumerates a single step's lifecycle (spec.md §3).
type StepRunStatus string

const (
	StepRunPending   StepRunStatus = "pending"
	StepRunActive    StepRunStatus = "active"
	StepRunCompleted StepRunStatus = "completed"
	StepRunFailed    StepRunStatus = "failed"
)

// StepStatus is the registry's per-step projection.
type StepStatus struct {
	StepID    string
	Step      StepType
	Status    StepRunStatus
	TxHash    string
	Error     string
	Timestamp int64
}

// ExecutionState is the orchestrator's owned, mutable record of one execution
// (spec.md §3), stored exclusively in package registry.
type ExecutionState struct {
	ExecutionID     string
	QuoteID         string
	Status          ExecutionStatus
	CurrentStepIndex int
	TotalSteps      int
	Steps           []StepStatus
	TxHash          string
	ReceivingTxHash string
	FromAmount      *uint256.Int
	ToAmount        *uint256.Int
	ReceivedAmount  *uint256.Int
	FromChainID     int
	ToChainID       int
	Progress        int
	EstimatedTime   int
	Substatus       string
	Error           string
	RetryCount      int
	PreviousErrors  []string
	FailedStepIndex *int
	CreatedAt       int64
	UpdatedAt       int64
}

// ExecutionStatusResult is the read-only projection returned by getStatus.
type ExecutionStatusResult struct {
	Found           bool
	Status          ExecutionStatus
	CurrentStep     *StepStatus
	Steps           []StepStatus
	Progress        int
	TxHash          string
	ReceivingTxHash string
	Error           string
	CreatedAt       int64
	UpdatedAt       int64
}

// ExecutionResult is what the orchestrator returns from execute (spec.md §4.9).
type ExecutionResult struct {
	ExecutionID    string
	Status         ExecutionStatus
	Steps          []StepStatus
	TxHash         string
	FromAmount     *uint256.Int
	ToAmount       *uint256.Int
	ReceivedAmount *uint256.Int
	DepositTxHash  string
	Error          error
}
