package evmrpc

import (
	"regexp"
	"strings"

	"github.com/certen/bridgekit/bridgeerr"
)

// Address is a canonicalized (lowercase hex, 0x-prefixed) EVM address, per
// spec.md §3's "Addresses are canonicalized lowercase at ingress" rule.
type Address string

// NativeToken is the placeholder address used for a chain's native gas token.
const NativeToken Address = "0x0000000000000000000000000000000000000000"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress validates and canonicalizes a raw address string. It is the
// single ingress point spec.md §3 requires: "both addresses match
// 0x[0-9a-f]{40} case-insensitively" followed by lowercasing.
func ParseAddress(raw string) (Address, error) {
	if !addressPattern.MatchString(raw) {
		return "", bridgeerr.Newf(bridgeerr.KindInvalidAddress, "address %q is not a valid 0x-prefixed 20-byte hex address", raw).
			WithContext("address", raw)
	}
	return Address(strings.ToLower(raw)), nil
}

// MustParseAddress panics on an invalid address; reserved for constants defined
// in code, never for data arriving from a caller or the network.
func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsNative reports whether a is the native-token placeholder address.
func (a Address) IsNative() bool {
	return a == NativeToken
}

// String returns the canonical lowercase hex form.
func (a Address) String() string {
	return string(a)
}

// Equal reports whether two addresses are the same once both are canonical —
// spec.md §3: "Two tokens are equal iff (chainId, address) match."
func (a Address) Equal(b Address) bool {
	return a == b
}
