package evmrpc

import (
	"encoding/hex"
	"strings"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/bridgeerr"
)

// Function selectors named literally in spec.md §4.6. These are the fixed
// 4-byte keccak256 selectors for the ERC-20/bridge-adapter calls bridgekit
// needs to build calldata for without pulling in a full contract ABI.
const (
	SelectorApprove     = "0x095ea7b3" // approve(address,uint256)
	SelectorDeposit     = "0x2b2dfd2c" // deposit(uint256,uint32)
	SelectorDepositFor  = "0x7a92539e" // depositFor(address,uint256,uint32)
	SelectorAllowance   = "0xdd62ed3e" // allowance(address,address)
	SelectorBalanceOf   = "0x70a08231" // balanceOf(address)
)

// padAddress left-pads a 20-byte address to a 32-byte big-endian word, per
// spec.md §4.6: "addresses padded to 32 bytes (lowercased, leading zeros)".
func padAddress(a Address) ([]byte, error) {
	clean, err := ParseAddress(string(a))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(string(clean)[2:])
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindInvalidAddress, "address is not valid hex")
	}
	word := make([]byte, 32)
	copy(word[32-len(raw):], raw)
	return word, nil
}

// padUint256 left-pads a uint256 value to a 32-byte big-endian word, per
// spec.md §4.6: "uints encoded via hex of bigint padded to 32 bytes".
func padUint256(v *uint256.Int) []byte {
	return v.Bytes32()[:]
}

func selectorBytes(sel string) []byte {
	b, _ := hex.DecodeString(sel[2:])
	return b
}

// DecodeHex decodes a 0x-prefixed hex string, e.g. an aggregator-supplied
// transactionRequest.data payload, into raw bytes.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, bridgeerr.Wrap(err, bridgeerr.KindInvalidQuote, "calldata is not valid hex")
	}
	return b, nil
}

// PackApprove builds calldata for approve(spender, amount).
func PackApprove(spender Address, amount *uint256.Int) ([]byte, error) {
	spenderWord, err := padAddress(spender)
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, selectorBytes(SelectorApprove)...)
	data = append(data, spenderWord...)
	data = append(data, padUint256(amount)...)
	return data, nil
}

// PackDeposit builds calldata for deposit(uint256 amount, uint32
// destinationDex), per spec.md §4.6.
func PackDeposit(amount *uint256.Int, destinationDex uint32) []byte {
	data := append([]byte{}, selectorBytes(SelectorDeposit)...)
	data = append(data, padUint256(amount)...)
	data = append(data, padUint256(uint256.NewInt(uint64(destinationDex)))...)
	return data
}

// PackDepositFor builds calldata for depositFor(address recipient, uint256
// amount, uint32 destinationDex), per spec.md §4.6.
func PackDepositFor(recipient Address, amount *uint256.Int, destinationDex uint32) ([]byte, error) {
	recipientWord, err := padAddress(recipient)
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, selectorBytes(SelectorDepositFor)...)
	data = append(data, recipientWord...)
	data = append(data, padUint256(amount)...)
	data = append(data, padUint256(uint256.NewInt(uint64(destinationDex)))...)
	return data, nil
}

// PackAllowance builds calldata for allowance(owner, spender).
func PackAllowance(owner, spender Address) ([]byte, error) {
	ownerWord, err := padAddress(owner)
	if err != nil {
		return nil, err
	}
	spenderWord, err := padAddress(spender)
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, selectorBytes(SelectorAllowance)...)
	data = append(data, ownerWord...)
	data = append(data, spenderWord...)
	return data, nil
}

// PackBalanceOf builds calldata for balanceOf(owner).
func PackBalanceOf(owner Address) ([]byte, error) {
	ownerWord, err := padAddress(owner)
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, selectorBytes(SelectorBalanceOf)...)
	data = append(data, ownerWord...)
	return data, nil
}
