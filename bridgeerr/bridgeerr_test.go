package bridgeerr

import (
	"errors"
	"testing"
)

func TestNewAppliesPolicy(t *testing.T) {
	err := New(KindUserRejected, "user rejected transaction signature")
	if err.Recoverable {
		t.Fatalf("UserRejected should not be recoverable")
	}
	if err.RecoveryAction != RecoveryNone {
		t.Fatalf("expected no recovery action, got %s", err.RecoveryAction)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause, KindNetworkError, "fetch failed")
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
	var be *Error
	if !errors.As(wrapped, &be) {
		t.Fatalf("expected errors.As to extract *Error")
	}
	if be.Kind != KindNetworkError {
		t.Fatalf("expected NetworkError kind, got %s", be.Kind)
	}
}

func TestNormalizeUserRejection(t *testing.T) {
	raw := errors.New("User denied transaction signature")
	normalized := Normalize(raw, KindTransactionFailed)
	if normalized.Kind != KindUserRejected {
		t.Fatalf("expected UserRejected, got %s", normalized.Kind)
	}
	if normalized.Recoverable {
		t.Fatalf("UserRejected must not be recoverable")
	}
}

func TestNormalizeInsufficientFunds(t *testing.T) {
	raw := errors.New("insufficient funds for gas * price + value")
	normalized := Normalize(raw, KindTransactionFailed)
	if normalized.Kind != KindInsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %s", normalized.Kind)
	}
}

func TestNormalizeAlreadyTyped(t *testing.T) {
	original := New(KindQuoteExpired, "expired")
	normalized := Normalize(original, KindNetworkError)
	if normalized != original {
		t.Fatalf("expected normalize to pass through an already-typed error unchanged")
	}
}

func TestIsRecoverable(t *testing.T) {
	if IsRecoverable(errors.New("plain error")) {
		t.Fatalf("untyped errors must not be treated as recoverable")
	}
	if !IsRecoverable(New(KindNetworkError, "timeout")) {
		t.Fatalf("NetworkError should be recoverable")
	}
}

func TestHasKind(t *testing.T) {
	err := New(KindArrivalTimeout, "timed out")
	if !Is(err, KindArrivalTimeout) {
		t.Fatalf("expected Is to match")
	}
	if Is(err, KindNetworkError) {
		t.Fatalf("expected Is to not match a different kind")
	}
}
