// Package bridgeerr defines the closed error taxonomy used across bridgekit.
//
// Every failure a caller can observe from the public client surface is a *Error
// with a fixed Kind, a recoverability flag, a user-facing message, and a
// recommended recovery action. Components never return bare errors to callers;
// internal errors are wrapped into a Kind before crossing a package boundary.
package bridgeerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is one of the closed set of error kinds from the bridge error taxonomy.
type Kind string

const (
	KindInsufficientBalance    Kind = "INSUFFICIENT_BALANCE"
	KindInsufficientGas        Kind = "INSUFFICIENT_GAS"
	KindNoRouteFound           Kind = "NO_ROUTE_FOUND"
	KindSlippageExceeded       Kind = "SLIPPAGE_EXCEEDED"
	KindInvalidSlippage        Kind = "INVALID_SLIPPAGE"
	KindTransactionFailed      Kind = "TRANSACTION_FAILED"
	KindUserRejected           Kind = "USER_REJECTED"
	KindNetworkError           Kind = "NETWORK_ERROR"
	KindDepositTransactionFail Kind = "DEPOSIT_TRANSACTION_FAILED"
	KindMinimumDeposit         Kind = "MINIMUM_DEPOSIT"
	KindInvalidAddress         Kind = "INVALID_ADDRESS"
	KindQuoteExpired           Kind = "QUOTE_EXPIRED"
	KindInvalidQuote           Kind = "INVALID_QUOTE"
	KindInvalidQuoteParams     Kind = "INVALID_QUOTE_PARAMS"
	KindQuoteFetchFailed       Kind = "QUOTE_FETCH_FAILED"
	KindChainFetchFailed       Kind = "CHAIN_FETCH_FAILED"
	KindTokenFetchFailed       Kind = "TOKEN_FETCH_FAILED"
	KindBalanceFetchFailed     Kind = "BALANCE_FETCH_FAILED"
	KindArrivalTimeout         Kind = "ARRIVAL_TIMEOUT"
	KindL1MonitorCancelled     Kind = "L1_MONITOR_CANCELLED"
	KindMaxRetriesExceeded     Kind = "MAX_RETRIES_EXCEEDED"
)

// RecoveryAction recommends how a caller should respond to an Error.
type RecoveryAction string

const (
	RecoveryRetry               RecoveryAction = "retry"
	RecoveryAddFunds            RecoveryAction = "add_funds"
	RecoveryIncreaseSlippage    RecoveryAction = "increase_slippage"
	RecoveryTryDifferentAmount  RecoveryAction = "try_different_amount"
	RecoveryTryAgain            RecoveryAction = "try_again"
	RecoveryFetchNewQuote       RecoveryAction = "fetch_new_quote"
	RecoveryContactSupport      RecoveryAction = "contact_support"
	RecoverySwitchNetwork       RecoveryAction = "switch_network"
	RecoveryCheckAllowance      RecoveryAction = "check_allowance"
	RecoveryAdjustSlippage      RecoveryAction = "adjust_slippage"
	RecoveryNone                RecoveryAction = ""
)

// Error is the single structured error type used across bridgekit.
type Error struct {
	Kind           Kind
	Message        string
	UserMessage    string
	Recoverable    bool
	RecoveryAction RecoveryAction
	Details        string
	Context        map[string]any
	Timestamp      time.Time
	Cause          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// defaultRecoverability and recoveryAction hold the policy table for each Kind.
// Kinds not listed default to recoverable=true, action=retry (transient/network
// style failures), matching the recoverability heuristic in spec.md §4.8 which
// treats unrecognized failures as recoverable unless a substring says otherwise.
var kindPolicy = map[Kind]struct {
	recoverable bool
	action      RecoveryAction
	userMessage string
}{
	KindInsufficientBalance:    {false, RecoveryAddFunds, "You don't have enough balance to complete this transfer."},
	KindInsufficientGas:       {false, RecoveryAddFunds, "You don't have enough gas to complete this transaction."},
	KindNoRouteFound:          {false, RecoveryTryDifferentAmount, "No route was found for this transfer."},
	KindSlippageExceeded:      {true, RecoveryIncreaseSlippage, "Price moved more than your slippage tolerance allowed."},
	KindInvalidSlippage:       {false, RecoveryAdjustSlippage, "The slippage value provided is out of range."},
	KindTransactionFailed:     {true, RecoveryTryAgain, "The transaction failed on-chain."},
	KindUserRejected:          {false, RecoveryNone, "The transaction was rejected."},
	KindNetworkError:          {true, RecoveryRetry, "A network error occurred. Please try again."},
	KindDepositTransactionFail: {true, RecoveryTryAgain, "The deposit transaction failed on-chain."},
	KindMinimumDeposit:        {false, RecoveryTryDifferentAmount, "The deposit amount is below the required minimum."},
	KindInvalidAddress:        {false, RecoveryNone, "An address provided is not a valid address."},
	KindQuoteExpired:          {true, RecoveryFetchNewQuote, "Your quote has expired. Please fetch a new one."},
	KindInvalidQuote:          {false, RecoveryFetchNewQuote, "The quote is invalid."},
	KindInvalidQuoteParams:    {false, RecoveryNone, "The quote parameters provided are invalid."},
	KindQuoteFetchFailed:      {true, RecoveryRetry, "Failed to fetch a quote. Please try again."},
	KindChainFetchFailed:      {true, RecoveryRetry, "Failed to fetch chain information. Please try again."},
	KindTokenFetchFailed:      {true, RecoveryRetry, "Failed to fetch token information. Please try again."},
	KindBalanceFetchFailed:    {true, RecoveryRetry, "Failed to fetch balance information. Please try again."},
	KindArrivalTimeout:        {true, RecoveryContactSupport, "Funds did not arrive within the expected time."},
	KindL1MonitorCancelled:    {true, RecoveryContactSupport, "Confirmation monitoring was cancelled."},
	KindMaxRetriesExceeded:    {true, RecoveryContactSupport, "Maximum retry attempts were exceeded."},
}

// New creates a new *Error for the given kind and message, applying the kind's
// default recoverability, recovery action, and user message.
func New(kind Kind, message string) *Error {
	policy, ok := kindPolicy[kind]
	if !ok {
		policy.recoverable = true
		policy.action = RecoveryRetry
	}
	return &Error{
		Kind:           kind,
		Message:        message,
		UserMessage:    policy.userMessage,
		Recoverable:    policy.recoverable,
		RecoveryAction: policy.action,
		Context:        make(map[string]any),
		Timestamp:      time.Now(),
	}
}

// Newf creates a new *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a Kind and message, preserving the cause.
func Wrap(err error, kind Kind, message string) *Error {
	e := New(kind, message)
	e.Cause = err
	return e
}

// Wrapf wraps an existing error with a Kind and formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// WithDetails attaches human-readable detail text and returns the receiver.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text and returns the receiver.
func (e *Error) WithDetailsf(format string, args ...any) *Error {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithContext attaches a single context key/value and returns the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// As extracts a *Error from err via errors.As.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	be, ok := As(err)
	return ok && be.Kind == kind
}

// normalize maps a raw error's message to a Kind using the substring rules from
// spec.md §7/§4.8: wallet-rejection, insufficient-funds, and nonce substrings
// take priority over a generic NetworkError/TransactionFailed classification.
func normalize(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if be, ok := As(err); ok {
		return be
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "user rejected", "user denied"):
		return Wrap(err, KindUserRejected, "transaction rejected by signer")
	case containsAny(msg, "insufficient balance", "insufficient funds"):
		return Wrap(err, KindInsufficientBalance, "insufficient balance")
	case containsAny(msg, "nonce too low"):
		return Wrap(err, KindTransactionFailed, "nonce too low")
	case containsAny(msg, "timeout", "connection refused", "no such host", "EOF"):
		return Wrap(err, KindNetworkError, "network error")
	case containsAny(msg, "revert", "reverted"):
		return Wrap(err, KindTransactionFailed, "transaction reverted")
	default:
		return Wrap(err, fallback, msg)
	}
}

// Normalize is the exported form of normalize, used by the orchestrator's error
// funnel (spec.md §4.9 "Error funnel") to classify arbitrary signer/RPC errors.
func Normalize(err error, fallback Kind) *Error {
	return normalize(err, fallback)
}

// IsRecoverable reports whether err (a *Error or arbitrary error) should be
// treated as recoverable. Non-*Error values are treated as non-recoverable,
// since they haven't been classified.
func IsRecoverable(err error) bool {
	be, ok := As(err)
	if !ok {
		return false
	}
	return be.Recoverable
}

func containsAny(s string, subs ...string) bool {
	ls := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(ls, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
