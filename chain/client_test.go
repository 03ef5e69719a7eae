package chain_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/chain"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/utils"
	"nhooyr.io/websocket"
)

const testTip = uint64(100)

func hashFor(number uint64) string {
	return fmt.Sprintf("0x%064x", number)
}

func headerFor(number uint64) map[string]any {
	root := hashFor(number + 1_000_000)
	return map[string]any{
		"number":         fmt.Sprintf("0x%x", number),
		"parentHash":     hashFor(number - 1),
		"stateRoot":      root,
		"extrinsicsRoot": root,
	}
}

// nodeStub speaks just enough of the node's JSON-RPC surface for the client:
// hashes, headers, and a new-heads subscription that fires once on open.
func nodeStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		respond := func(id any, result any) {
			data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
			require.NoError(t, err)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
		notify := func(method, subID string, result any) {
			data, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"method":  method,
				"params":  map[string]any{"subscription": subID, "result": result},
			})
			require.NoError(t, err)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				ID     any    `json:"id"`
				Method string `json:"method"`
				Params []any  `json:"params"`
			}
			require.NoError(t, json.Unmarshal(data, &req))

			switch req.Method {
			case "chain_getBlockHash":
				number := uint64(req.Params[0].(float64))
				if number > testTip {
					respond(req.ID, nil)
					break
				}
				respond(req.ID, hashFor(number))
			case "chain_getHeader":
				respond(req.ID, headerFor(testTip))
			case "chain_subscribeNewHeads":
				respond(req.ID, "sub-heads")
				notify("chain_newHead", "sub-heads", headerFor(testTip))
			case "chain_unsubscribeNewHeads":
				respond(req.ID, true)
			default:
				respond(req.ID, nil)
			}
		}
	}))
}

func dialStub(t *testing.T) *chain.Client {
	t.Helper()
	srv := nodeStub(t)
	t.Cleanup(srv.Close)

	client := chain.New("ws"+strings.TrimPrefix(srv.URL, "http"), utils.NewNopZapLogger())
	t.Cleanup(func() { client.Close() })
	require.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)
	return client
}

func TestClientBlockHash(t *testing.T) {
	client := dialStub(t)
	ctx := context.Background()

	hash, err := client.BlockHash(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, hashFor(42), hash)

	_, err = client.BlockHash(ctx, testTip+1)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestClientHeader(t *testing.T) {
	client := dialStub(t)

	header, err := client.Header(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, testTip, header.Number)
	assert.Equal(t, hashFor(testTip), header.Hash)
	assert.Equal(t, hashFor(testTip-1), header.ParentHash)
}

func TestClientSubscribeNewHeads(t *testing.T) {
	client := dialStub(t)

	sub, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)

	select {
	case head := <-sub.Recv():
		assert.Equal(t, testTip, head.Number)
		assert.Equal(t, hashFor(testTip), head.Hash)
	case <-time.After(5 * time.Second):
		t.Fatal("head not delivered")
	}

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return in time")
	}
}

func TestClientFailsWhenDisconnected(t *testing.T) {
	client := chain.New("ws://127.0.0.1:1", utils.NewNopZapLogger())
	defer client.Close()

	_, err := client.BlockHash(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, core.KindUnavailable, core.ErrorKind(err))
}
