package core_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/core"
)

const (
	alicePubkey  = "d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"
	aliceAddress = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
)

func TestSS58Encode(t *testing.T) {
	got, err := core.SS58Encode(alicePubkey, core.DefaultSS58Prefix)
	require.NoError(t, err)
	assert.Equal(t, aliceAddress, got)

	t.Run("with 0x prefix", func(t *testing.T) {
		got, err := core.SS58Encode("0x"+alicePubkey, core.DefaultSS58Prefix)
		require.NoError(t, err)
		assert.Equal(t, aliceAddress, got)
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := core.SS58Encode("d435", core.DefaultSS58Prefix)
		require.Error(t, err)
	})

	t.Run("multi-byte prefix", func(t *testing.T) {
		_, err := core.SS58Encode(alicePubkey, 64)
		require.Error(t, err)
	})
}

func TestIsAddressLike(t *testing.T) {
	assert.True(t, core.IsAddressLike(aliceAddress))

	tests := map[string]string{
		"too short":           "5Grwva",
		"too long":            aliceAddress + aliceAddress,
		"zero is not base58":  strings.Replace(aliceAddress, "5", "0", 1),
		"O is not base58":     strings.Replace(aliceAddress, "G", "O", 1),
		"hash not an address": "0x" + strings.Repeat("ab", 32),
		"empty":               "",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			assert.False(t, core.IsAddressLike(input))
		})
	}
}
