package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/subscope/subscope/cache"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/query"
)

func (h *Handler) searchAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := query.AddressSearchParams{
		Address:      q.Get("address"),
		BlocksToScan: h.defaultBlocksToScan,
		BatchSize:    h.defaultBatchSize,
		Pallet:       q.Get("pallet"),
		Method:       q.Get("extrinsic"),
	}
	var err error
	if params.BlocksToScan, err = intParam(q.Get("blocksToScan"), params.BlocksToScan); err != nil {
		h.writeError(w, core.BadRequestf("blocksToScan: %v", err))
		return
	}
	if params.BatchSize, err = intParam(q.Get("batchSize"), params.BatchSize); err != nil {
		h.writeError(w, core.BadRequestf("batchSize: %v", err))
		return
	}

	key := cache.Key(cache.TypeAddress, params.Address,
		strconv.Itoa(params.BlocksToScan), strconv.Itoa(params.BatchSize),
		params.Pallet, params.Method)
	result, _, err := h.cache.GetOrCompute(cache.TypeAddress, key, func() (any, error) {
		return h.engine.SearchAddress(r.Context(), params)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) blockByNumber(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		h.writeError(w, core.BadRequestf("malformed block number"))
		return
	}
	key := cache.Key(cache.TypeBlock, fmt.Sprintf("number:%d", number))
	block, _, err := h.cache.GetOrCompute(cache.TypeBlock, key, func() (any, error) {
		return h.engine.GetBlock(r.Context(), number)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, block)
}

func (h *Handler) blockByHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	key := cache.Key(cache.TypeBlock, "hash:"+hash)
	block, _, err := h.cache.GetOrCompute(cache.TypeBlock, key, func() (any, error) {
		return h.engine.GetBlockByHash(r.Context(), hash)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, block)
}

func (h *Handler) latestBlock(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetLatestBlock(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"latestBlock": info.Number})
}

func (h *Handler) latestBlockInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetLatestBlock(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handler) extrinsic(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := query.ExtrinsicLookupParams{
		Hash:     chi.URLParam(r, "hash"),
		Strategy: query.Strategy(q.Get("strategy")),
	}
	var err error
	if params.MaxBlocks, err = intParam(q.Get("maxBlocks"), 0); err != nil {
		h.writeError(w, core.BadRequestf("maxBlocks: %v", err))
		return
	}

	key := cache.Key(cache.TypeExtrinsic, params.Hash,
		string(params.Strategy), strconv.Itoa(params.MaxBlocks))
	result, _, err := h.cache.GetOrCompute(cache.TypeExtrinsic, key, func() (any, error) {
		return h.engine.LookupExtrinsic(r.Context(), params)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) networkInfo(w http.ResponseWriter, r *http.Request) {
	era, err := h.engine.EraReadout(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	name, err := h.pool.Next().ChainName(r.Context())
	if err != nil {
		h.log.Debugw("Chain name unavailable", "err", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"chain":       name,
		"rpcEndpoint": h.pool.Endpoint(),
		"connections": h.pool.ConnectedCount(),
		"era":         era,
	})
}

func (h *Handler) getEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"rpcEndpoint": h.pool.Endpoint()})
}

type endpointBody struct {
	RPCEndpoint string `json:"rpcEndpoint"`
}

func (h *Handler) setEndpoint(w http.ResponseWriter, r *http.Request) {
	var body endpointBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, core.BadRequestf("malformed body: %v", err))
		return
	}
	if !pool.ValidEndpoint(body.RPCEndpoint) {
		h.writeError(w, core.BadRequestf("rpcEndpoint must be ws:// or wss://"))
		return
	}
	if err := h.pool.ChangeEndpoint(body.RPCEndpoint); err != nil {
		h.writeError(w, err)
		return
	}
	h.cache.ClearAll()
	h.writeJSON(w, http.StatusOK, map[string]string{"rpcEndpoint": h.pool.Endpoint()})
}

func (h *Handler) indexerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	first, last, ok, err := h.store.Range(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	finalized, _, err := h.store.GetState(ctx, indexer.StateLastFinalized)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := map[string]any{
		"indexed":       ok,
		"counts":        counts,
		"lastProcessed": h.indexer.LastProcessed(),
		"lastFinalized": finalized,
	}
	if ok {
		status["firstIndexedBlock"] = first
		status["lastIndexedBlock"] = last
	}
	// Tip lag is best-effort; status must answer even with the chain down.
	if tip, err := h.pool.Next().Header(ctx, ""); err == nil {
		status["chainTip"] = tip.Number
		if ok && tip.Number > last {
			status["lag"] = tip.Number - last
		}
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *Handler) cacheClear(w http.ResponseWriter, _ *http.Request) {
	h.cache.ClearAll()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) cacheClearAddress(w http.ResponseWriter, _ *http.Request) {
	h.cache.ClearByType(cache.TypeAddress)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) cacheClearExtrinsic(w http.ResponseWriter, _ *http.Request) {
	h.cache.ClearByType(cache.TypeExtrinsic)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
