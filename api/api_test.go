package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/api"
	"github.com/subscope/subscope/cache"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/fetcher"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/query"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
	"github.com/subscope/subscope/watcher"
)

// testSurface runs the REST surface over a real store and a pool pointed at
// an unroutable endpoint: store-served routes answer, live fallbacks surface
// unavailable.
func testSurface(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	log := utils.NewNopZapLogger()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := pool.New("ws://127.0.0.1:1", 2, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	f := fetcher.New(p, log)
	idx := indexer.New(st, f, watcher.New(p, log), log)
	engine := query.New(st, p, f, query.DefaultLimits(), log)
	handler := api.New(engine, cache.New(log), st, p, idx, 100, 100, log)

	srv := httptest.NewServer(handler.Router(nil))
	t.Cleanup(srv.Close)
	return srv, st
}

func get(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	srv, _ := testSurface(t)
	status, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "timestamp")
}

func TestBlockByNumberFromStore(t *testing.T) {
	srv, st := testSurface(t)
	header := core.Header{
		Number:         77,
		Hash:           "0x" + strings.Repeat("77", 32),
		ParentHash:     "0x" + strings.Repeat("76", 32),
		StateRoot:      "0x" + strings.Repeat("aa", 32),
		ExtrinsicsRoot: "0x" + strings.Repeat("bb", 32),
	}
	_, err := st.InsertBlockHeader(context.Background(), header, 123)
	require.NoError(t, err)

	status, body := get(t, srv, "/api/block/77")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(77), body["number"])
	assert.Equal(t, header.Hash, body["hash"])

	status, _ = get(t, srv, "/api/block/not-a-number")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBlockByHashFromStore(t *testing.T) {
	srv, st := testSurface(t)
	hash := "0x" + strings.Repeat("cd", 32)
	_, err := st.InsertBlockHeader(context.Background(), core.Header{
		Number:         12,
		Hash:           hash,
		ParentHash:     "0x" + strings.Repeat("cc", 32),
		StateRoot:      "0x" + strings.Repeat("aa", 32),
		ExtrinsicsRoot: "0x" + strings.Repeat("bb", 32),
	}, 0)
	require.NoError(t, err)

	// Indexed header-only block: the hash route demands an extrinsics list.
	status, _ := get(t, srv, "/api/block/hash/"+hash)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = get(t, srv, "/api/block/hash/nothex")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExtrinsicValidation(t *testing.T) {
	srv, _ := testSurface(t)

	status, _ := get(t, srv, "/api/extrinsic/0x123")
	assert.Equal(t, http.StatusBadRequest, status)

	// Absent in store, chain unreachable: the live fallback cannot answer.
	status, _ = get(t, srv, "/api/extrinsic/0x"+strings.Repeat("ab", 32))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestSearchAddressValidation(t *testing.T) {
	srv, _ := testSurface(t)
	status, _ := get(t, srv, "/api/search/address?address=nonsense")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get(t, srv, "/api/search/address?address=5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY&blocksToScan=bogus")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEndpointRoutes(t *testing.T) {
	srv, _ := testSurface(t)

	status, body := get(t, srv, "/api/network/rpc-endpoint")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ws://127.0.0.1:1", body["rpcEndpoint"])

	resp, err := http.Post(srv.URL+"/api/network/rpc-endpoint", "application/json",
		strings.NewReader(`{"rpcEndpoint":"http://nope"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/network/rpc-endpoint", "application/json",
		strings.NewReader(`{"rpcEndpoint":"ws://127.0.0.1:2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, body = get(t, srv, "/api/network/rpc-endpoint")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ws://127.0.0.1:2", body["rpcEndpoint"])
}

func TestIndexerStatus(t *testing.T) {
	srv, st := testSurface(t)
	_, err := st.InsertBlockHeader(context.Background(), core.Header{
		Number:         5,
		Hash:           "0x" + strings.Repeat("05", 32),
		ParentHash:     "0x" + strings.Repeat("04", 32),
		StateRoot:      "0x" + strings.Repeat("aa", 32),
		ExtrinsicsRoot: "0x" + strings.Repeat("bb", 32),
	}, 0)
	require.NoError(t, err)

	status, body := get(t, srv, "/api/indexer/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["indexed"])
	assert.Equal(t, float64(5), body["firstIndexedBlock"])
	assert.Equal(t, float64(5), body["lastIndexedBlock"])
}

func TestCacheDebugRoutes(t *testing.T) {
	srv, _ := testSurface(t)

	status, body := get(t, srv, "/api/debug/cache/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "address")

	for _, path := range []string{
		"/api/debug/cache/clear",
		"/api/debug/cache/clear/address",
		"/api/debug/cache/clear/extrinsic",
	} {
		status, body := get(t, srv, path)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "cleared", body["status"])
	}
}
