package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
)

const testAddress = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func testEngine() *Engine {
	return New(nil, nil, nil, DefaultLimits(), utils.NewNopZapLogger())
}

func TestValidateAddressParams(t *testing.T) {
	e := testEngine()

	tests := map[string]struct {
		params  AddressSearchParams
		wantErr bool
	}{
		"valid": {
			params: AddressSearchParams{Address: testAddress, BlocksToScan: 100, BatchSize: 10},
		},
		"valid with filter": {
			params: AddressSearchParams{Address: testAddress, BlocksToScan: 100, BatchSize: 10, Pallet: "balances", Method: "transfer"},
		},
		"missing address": {
			params:  AddressSearchParams{BlocksToScan: 100, BatchSize: 10},
			wantErr: true,
		},
		"not an address": {
			params:  AddressSearchParams{Address: "0xdeadbeef", BlocksToScan: 100, BatchSize: 10},
			wantErr: true,
		},
		"zero blocks": {
			params:  AddressSearchParams{Address: testAddress, BlocksToScan: 0, BatchSize: 10},
			wantErr: true,
		},
		"blocks over limit": {
			params:  AddressSearchParams{Address: testAddress, BlocksToScan: 2_000_000, BatchSize: 10},
			wantErr: true,
		},
		"batch over limit": {
			params:  AddressSearchParams{Address: testAddress, BlocksToScan: 100, BatchSize: 5000},
			wantErr: true,
		},
		"method without pallet": {
			params:  AddressSearchParams{Address: testAddress, BlocksToScan: 100, BatchSize: 10, Method: "transfer"},
			wantErr: true,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := e.validateAddressParams(&test.params)
			if test.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsBadRequest(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateExtrinsicParams(t *testing.T) {
	e := testEngine()
	validHash := "0x" + "ab00000000000000000000000000000000000000000000000000000000000000"

	t.Run("defaults", func(t *testing.T) {
		params := ExtrinsicLookupParams{Hash: validHash}
		require.NoError(t, e.validateExtrinsicParams(&params))
		assert.Equal(t, StrategyEvents, params.Strategy)
		assert.Equal(t, defaultMaxBlocks, params.MaxBlocks)
	})

	t.Run("bad hash", func(t *testing.T) {
		params := ExtrinsicLookupParams{Hash: "0x123"}
		err := e.validateExtrinsicParams(&params)
		require.Error(t, err)
		assert.True(t, core.IsBadRequest(err))
	})

	t.Run("bad strategy", func(t *testing.T) {
		params := ExtrinsicLookupParams{Hash: validHash, Strategy: "bogus"}
		require.Error(t, e.validateExtrinsicParams(&params))
	})

	t.Run("maxBlocks out of range", func(t *testing.T) {
		params := ExtrinsicLookupParams{Hash: validHash, MaxBlocks: maxBlocksUpperBound + 1}
		require.Error(t, e.validateExtrinsicParams(&params))
	})
}

func TestMatchesFilter(t *testing.T) {
	assert.True(t, matchesFilter("Balances", "transfer", "", ""))
	assert.True(t, matchesFilter("Balances", "transfer", "balances", ""))
	assert.True(t, matchesFilter("Balances", "Transfer", "BALANCES", "transfer"))
	assert.False(t, matchesFilter("Balances", "transfer", "staking", ""))
	assert.False(t, matchesFilter("Balances", "transfer", "balances", "bond"))
}

func TestSearchDeadlineBuckets(t *testing.T) {
	assert.Equal(t, time.Minute, searchDeadline(1))
	assert.Equal(t, time.Minute, searchDeadline(100))
	assert.Equal(t, 5*time.Minute, searchDeadline(1000))
	assert.Equal(t, 10*time.Minute, searchDeadline(10_000))
	assert.Equal(t, 20*time.Minute, searchDeadline(100_000))

	assert.Equal(t, 10*time.Minute, extrinsicDeadline(1))
	assert.Equal(t, 20*time.Minute, extrinsicDeadline(50_000))
}

func TestDescending(t *testing.T) {
	assert.Equal(t, []uint64{5, 4, 3}, descending(5, 3))
	// Clamped above zero: genesis is never scanned.
	assert.Equal(t, []uint64{2, 1}, descending(2, 10))
}

func TestValidateBlock(t *testing.T) {
	valid := &store.Block{
		Number:         10,
		Hash:           "0xaa",
		ParentHash:     "0xbb",
		StateRoot:      "0xcc",
		ExtrinsicsRoot: "0xdd",
		Extrinsics:     []*store.Extrinsic{{}},
	}
	require.NoError(t, validateBlock(valid))

	tests := map[string]func(b *store.Block){
		"zero number":   func(b *store.Block) { b.Number = 0 },
		"huge number":   func(b *store.Block) { b.Number = maxPlausibleNumber + 1 },
		"no parent":     func(b *store.Block) { b.ParentHash = "" },
		"no state root": func(b *store.Block) { b.StateRoot = "" },
		"no extrinsics": func(b *store.Block) { b.Extrinsics = nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			block := *valid
			block.Extrinsics = valid.Extrinsics
			mutate(&block)
			err := validateBlock(&block)
			require.Error(t, err)
			assert.True(t, core.IsNotFound(err))
		})
	}
}

func TestEventHit(t *testing.T) {
	record := &core.BlockRecord{Number: 9, Hash: "0xblock", Timestamp: 5}
	idx := 3
	event := &core.EventRecord{
		EventIndex:     1,
		ExtrinsicIndex: &idx,
		ExtrinsicHash:  "0xext",
		Section:        "Balances",
		Method:         "Transfer",
		Data:           []byte(`["` + testAddress + `"]`),
	}

	hit := eventHit(record, event, testAddress)
	require.NotNil(t, hit)
	assert.Equal(t, uint64(9), hit.BlockNumber)
	assert.Equal(t, 3, hit.ExtrinsicIndex)
	assert.Equal(t, "0xext", hit.ExtrinsicHash)
	require.NotNil(t, hit.EventIndex)
	assert.Equal(t, 1, *hit.EventIndex)

	assert.Nil(t, eventHit(record, event, "someone-else"))
}

func TestAddClamped(t *testing.T) {
	assert.Equal(t, uint64(8), addClamped(10, -2))
	assert.Equal(t, uint64(12), addClamped(10, 2))
	assert.Equal(t, uint64(0), addClamped(1, -5))
}
