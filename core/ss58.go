package core

import (
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// DefaultSS58Prefix is the generic Substrate network prefix.
const DefaultSS58Prefix = 42

var ss58Preamble = []byte("SS58PRE")

// SS58Encode renders a 32-byte public key (hex, with or without 0x) as an
// SS58 address under the given network prefix. Only single-byte prefixes
// (0..63) are supported, which covers every network this service targets.
func SS58Encode(pubkeyHex string, prefix uint8) (string, error) {
	pubkey, err := hex.DecodeString(strings.TrimPrefix(pubkeyHex, "0x"))
	if err != nil {
		return "", WrapError(KindDecode, err, "public key")
	}
	if len(pubkey) != 32 {
		return "", NewError(KindDecode, "public key must be 32 bytes")
	}
	if prefix > 63 {
		return "", NewError(KindDecode, "multi-byte ss58 prefixes are not supported")
	}

	payload := make([]byte, 0, 1+len(pubkey)+2)
	payload = append(payload, prefix)
	payload = append(payload, pubkey...)

	hasher, err := blake2b.New512(nil)
	if err != nil {
		return "", WrapError(KindInternal, err, "blake2b")
	}
	hasher.Write(ss58Preamble)
	hasher.Write(payload)
	checksum := hasher.Sum(nil)

	payload = append(payload, checksum[:2]...)
	return base58.Encode(payload), nil
}
