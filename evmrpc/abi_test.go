package evmrpc

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func TestPackApproveLayout(t *testing.T) {
	spender := MustParseAddress("0x00000000000000000000000000000000000000Ab")
	amount := uint256.NewInt(1000)
	data, err := PackApprove(spender, amount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("expected 68 bytes, got %d", len(data))
	}
	if hex.EncodeToString(data[:4]) != "095ea7b3" {
		t.Fatalf("unexpected selector: %x", data[:4])
	}
	if !strings.HasSuffix(hex.EncodeToString(data[4:36]), "ab") {
		t.Fatalf("expected address word to end in ab, got %x", data[4:36])
	}
}

func TestPackDepositForLayout(t *testing.T) {
	recipient := MustParseAddress("0x000000000000000000000000000000000000000A")
	amount := uint256.NewInt(1)
	data, err := PackDepositFor(recipient, amount, 0xFFFFFFFF)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 4+32+32+32 {
		t.Fatalf("expected 100 bytes, got %d", len(data))
	}
	if hex.EncodeToString(data[:4]) != "7a92539e" {
		t.Fatalf("unexpected selector: %x", data[:4])
	}
	dex := new(uint256.Int).SetBytes(data[68:100])
	if dex.Uint64() != 0xFFFFFFFF {
		t.Fatalf("expected destinationDex word 0xFFFFFFFF, got %s", dex.Dec())
	}
}

func TestPackDepositLayout(t *testing.T) {
	amount := uint256.NewInt(5_000_000)
	data := PackDeposit(amount, 0)
	if len(data) != 4+32+32 {
		t.Fatalf("expected 68 bytes, got %d", len(data))
	}
	if hex.EncodeToString(data[:4]) != "2b2dfd2c" {
		t.Fatalf("unexpected selector: %x", data[:4])
	}
}

func TestPadAddressRejectsInvalid(t *testing.T) {
	if _, err := padAddress(Address("not-an-address")); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}

func TestPadUint256RoundTrip(t *testing.T) {
	v := uint256.NewInt(42)
	word := padUint256(v)
	got := new(uint256.Int).SetBytes(word)
	if got.Cmp(v) != 0 {
		t.Fatalf("expected %s, got %s", v.String(), got.String())
	}
}
