package evmrpc

import "testing"

func TestParseAddressLowercases(t *testing.T) {
	a, err := ParseAddress("0xABCDEF0123456789ABCDEF0123456789ABCDEF01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != Address("0xabcdef0123456789abcdef0123456789abcdef01") {
		t.Fatalf("expected lowercased address, got %s", a)
	}
}

func TestParseAddressRejectsWrongLength(t *testing.T) {
	if _, err := ParseAddress("0xabc"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestParseAddressRejectsMissingPrefix(t *testing.T) {
	if _, err := ParseAddress("abcdef0123456789abcdef0123456789abcdef01"); err == nil {
		t.Fatalf("expected error for missing 0x prefix")
	}
}

func TestIsNative(t *testing.T) {
	if !NativeToken.IsNative() {
		t.Fatalf("expected NativeToken.IsNative() to be true")
	}
	other := MustParseAddress("0x000000000000000000000000000000000000000a")
	if other.IsNative() {
		t.Fatalf("expected non-zero address to not be native")
	}
}

func TestEqual(t *testing.T) {
	a := MustParseAddress("0x00000000000000000000000000000000000000aa")
	b := MustParseAddress("0x00000000000000000000000000000000000000AA")
	if !a.Equal(b) {
		t.Fatalf("expected canonicalized addresses to be equal")
	}
}
