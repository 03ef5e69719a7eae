package indexer

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/core"
)

const (
	alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	bob   = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

func intPtr(i int) *int {
	return &i
}

func TestDeriveEdges(t *testing.T) {
	args, err := json.Marshal([]map[string]any{
		{"name": "dest", "value": map[string]any{"Id": bob}},
		{"name": "amount", "value": 1000},
	})
	require.NoError(t, err)

	record := &core.BlockRecord{
		Number: 77,
		Extrinsics: []*core.Extrinsic{{
			Hash:     "0xaaa",
			Signer:   alice,
			IsSigned: true,
			Args:     args,
			Events: []*core.EventRecord{{
				EventIndex:     0,
				ExtrinsicIndex: intPtr(0),
				Section:        "Balances",
				Method:         "Transfer",
				// The signer also shows up in the event data; it must not
				// produce a second edge.
				Data: json.RawMessage(`["` + alice + `","` + bob + `"]`),
			}},
		}},
	}

	edges := deriveEdges(record, core.IsAddressLike)
	require.Len(t, edges, 2)

	roles := make(map[string]string, 2)
	for _, edge := range edges {
		roles[edge.Address] = edge.Role
		assert.Equal(t, "0xaaa", edge.ExtrinsicHash)
		assert.Equal(t, uint64(77), edge.BlockNumber)
	}
	assert.Equal(t, "signer", roles[alice])
	assert.Equal(t, "participant", roles[bob])
}

func TestDeriveEdgesUnsignedExtrinsic(t *testing.T) {
	record := &core.BlockRecord{
		Number: 1,
		Extrinsics: []*core.Extrinsic{{
			Hash: "0xbbb",
			Args: json.RawMessage(`[{"value":"` + bob + `"}]`),
		}},
	}
	edges := deriveEdges(record, core.IsAddressLike)
	require.Len(t, edges, 1)
	assert.Equal(t, bob, edges[0].Address)
	assert.Equal(t, "participant", edges[0].Role)
}

func TestDeriveEdgesIgnoresNonAddresses(t *testing.T) {
	record := &core.BlockRecord{
		Number: 1,
		Extrinsics: []*core.Extrinsic{{
			Hash: "0xccc",
			Args: json.RawMessage(`[{"value":"just a plain string"},{"value":42}]`),
		}},
	}
	assert.Empty(t, deriveEdges(record, core.IsAddressLike))
}

func TestDeriveEdgesPluggablePredicate(t *testing.T) {
	record := &core.BlockRecord{
		Number: 1,
		Extrinsics: []*core.Extrinsic{{
			Hash: "0xddd",
			Args: json.RawMessage(`[{"value":"magic"}]`),
		}},
	}
	edges := deriveEdges(record, func(s string) bool { return s == "magic" })
	require.Len(t, edges, 1)
	assert.Equal(t, "magic", edges[0].Address)
}
