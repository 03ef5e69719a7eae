package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/cache"
	"github.com/subscope/subscope/utils"
)

func TestKeyIsStable(t *testing.T) {
	key := cache.Key(cache.TypeAddress, "5Grwva", "100", "5", "balances", "transfer")
	assert.Equal(t, "address:5grwva:100:5:balances:transfer", key)
}

func TestGetOrComputeCaches(t *testing.T) {
	c := cache.New(utils.NewNopZapLogger())
	calls := 0
	compute := func() (any, error) {
		calls++
		return "value", nil
	}

	value, cached, err := c.GetOrCompute(cache.TypeBlock, "k", compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "value", value)

	value, cached, err = c.GetOrCompute(cache.TypeBlock, "k", compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "value", value)
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c := cache.New(utils.NewNopZapLogger())
	calls := 0

	_, _, err := c.GetOrCompute(cache.TypeBlock, "k", func() (any, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	_, _, err = c.GetOrCompute(cache.TypeBlock, "k", func() (any, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// Concurrent misses for one key share a single computation.
func TestSingleFlightCoalescing(t *testing.T) {
	c := cache.New(utils.NewNopZapLogger())

	var calls atomic.Int64
	gate := make(chan struct{})
	compute := func() (any, error) {
		calls.Add(1)
		<-gate
		return "shared", nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]any, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, _, err := c.GetOrCompute(cache.TypeAddress, "hot", compute)
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, value := range results {
		assert.Equal(t, "shared", value)
	}
}

func TestClearOperations(t *testing.T) {
	c := cache.New(utils.NewNopZapLogger())
	seed := func() {
		for _, k := range []string{"addr:one", "addr:two"} {
			_, _, err := c.GetOrCompute(cache.TypeAddress, k, func() (any, error) { return 1, nil })
			require.NoError(t, err)
		}
		_, _, err := c.GetOrCompute(cache.TypeExtrinsic, "ext:one", func() (any, error) { return 1, nil })
		require.NoError(t, err)
	}

	seed()
	assert.Equal(t, 1, c.ClearByQuery("two"))

	c.ClearByType(cache.TypeExtrinsic)
	stats := c.Stats()
	assert.Equal(t, 0, stats[string(cache.TypeExtrinsic)].(map[string]any)["entries"])

	c.ClearAll()
	stats = c.Stats()
	assert.Equal(t, 0, stats[string(cache.TypeAddress)].(map[string]any)["entries"])
}
