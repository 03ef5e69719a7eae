package core

import (
	"github.com/mr-tron/base58"
)

// AddressPredicate decides whether a string found in an extrinsic's args or an
// event's data looks like a chain address. The default heuristic is lossy by
// design: it may under-match some network prefixes and over-match text fields
// that happen to be valid Base58. Callers that know their network better can
// swap in their own predicate.
type AddressPredicate func(s string) bool

const (
	minAddressLen = 47
	maxAddressLen = 48

	// SS58 payload: prefix byte(s) + 32-byte public key + 2-byte checksum.
	minDecodedLen = 35
	maxDecodedLen = 36
)

// IsAddressLike is the default AddressPredicate: length 47 or 48, the Base58
// alphabet only, and a Base58 payload of SS58 shape.
func IsAddressLike(s string) bool {
	if len(s) < minAddressLen || len(s) > maxAddressLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isBase58Char(s[i]) {
			return false
		}
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return len(decoded) >= minDecodedLen && len(decoded) <= maxDecodedLen
}

func isBase58Char(c byte) bool {
	switch {
	case c >= '1' && c <= '9':
		return true
	case c >= 'A' && c <= 'H':
		return true
	case c >= 'J' && c <= 'N':
		return true
	case c >= 'P' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'k':
		return true
	case c >= 'm' && c <= 'z':
		return true
	default:
		return false
	}
}
