package fetcher_test

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/fetcher"
)

func intPtr(i int) *int {
	return &i
}

func testHeader() core.Header {
	return core.Header{
		Number:         500,
		Hash:           "0x1111111111111111111111111111111111111111111111111111111111111111",
		ParentHash:     "0x2222222222222222222222222222222222222222222222222222222222222222",
		StateRoot:      "0x3333333333333333333333333333333333333333333333333333333333333333",
		ExtrinsicsRoot: "0x4444444444444444444444444444444444444444444444444444444444444444",
	}
}

func TestAssembleAttachesEventsByPhase(t *testing.T) {
	extrinsics := []*core.Extrinsic{
		{Hash: "0xaaa", Index: 0, Section: "Timestamp", Method: "set", Success: true,
			Args: json.RawMessage(`[{"name":"now","value":1700000000000}]`)},
		{Hash: "0xbbb", Index: 1, Section: "Balances", Method: "transfer", IsSigned: true, Success: true},
	}
	events := []*core.EventRecord{
		{EventIndex: 0, ExtrinsicIndex: intPtr(0), Section: "System", Method: "ExtrinsicSuccess"},
		{EventIndex: 1, ExtrinsicIndex: intPtr(1), Section: "Balances", Method: "Transfer"},
		{EventIndex: 2, ExtrinsicIndex: intPtr(1), Section: "System", Method: "ExtrinsicFailed"},
		{EventIndex: 3, Section: "Session", Method: "NewSession"},
	}

	record := fetcher.Assemble(testHeader(), extrinsics, events)

	require.Len(t, record.Extrinsics, 2)
	assert.Len(t, record.Extrinsics[0].Events, 1)
	assert.Len(t, record.Extrinsics[1].Events, 2)
	require.Len(t, record.StandaloneEvents, 1)
	assert.Equal(t, "NewSession", record.StandaloneEvents[0].Method)

	// Events inherit the hash of the extrinsic they applied in.
	assert.Equal(t, "0xbbb", record.Extrinsics[1].Events[0].ExtrinsicHash)

	// ExtrinsicFailed overturns success; the first extrinsic stays successful.
	assert.True(t, record.Extrinsics[0].Success)
	assert.False(t, record.Extrinsics[1].Success)

	assert.Equal(t, int64(1700000000000), record.Timestamp)
	assert.Equal(t, uint64(500), record.Number)
	assert.Equal(t, 4, record.EventsCount())
}

func TestAssembleOutOfRangePhaseIsStandalone(t *testing.T) {
	events := []*core.EventRecord{
		{EventIndex: 0, ExtrinsicIndex: intPtr(9), Section: "System", Method: "ExtrinsicSuccess"},
	}
	record := fetcher.Assemble(testHeader(), nil, events)
	assert.Empty(t, record.Extrinsics)
	assert.Len(t, record.StandaloneEvents, 1)
}

func TestAssembleTimestampFormats(t *testing.T) {
	tests := map[string]struct {
		args json.RawMessage
		want int64
	}{
		"number": {args: json.RawMessage(`[{"value":1700000000000}]`), want: 1700000000000},
		"string": {args: json.RawMessage(`[{"value":"1700000000000"}]`), want: 1700000000000},
		"empty":  {args: json.RawMessage(`[]`), want: 0},
		"null":   {args: nil, want: 0},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			record := fetcher.Assemble(testHeader(), []*core.Extrinsic{
				{Hash: "0xaaa", Section: "timestamp", Method: "set", Args: test.args},
			}, nil)
			assert.Equal(t, test.want, record.Timestamp)
		})
	}
}
