package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/cors"
	"github.com/subscope/subscope/cache"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/query"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
)

// Handler is the REST surface over the query engine. It owns no domain
// logic: parsing, validation mapping, and cache keys only.
type Handler struct {
	engine  *query.Engine
	cache   *cache.Cache
	store   *store.Store
	pool    *pool.Pool
	indexer *indexer.Indexer
	log     utils.SimpleLogger

	defaultBlocksToScan int
	defaultBatchSize    int
}

func New(engine *query.Engine, c *cache.Cache, st *store.Store, p *pool.Pool,
	idx *indexer.Indexer, defaultBlocksToScan, defaultBatchSize int, log utils.SimpleLogger,
) *Handler {
	return &Handler{
		engine:              engine,
		cache:               c,
		store:               st,
		pool:                p,
		indexer:             idx,
		log:                 log,
		defaultBlocksToScan: defaultBlocksToScan,
		defaultBatchSize:    defaultBatchSize,
	}
}

// Router assembles the route table of the public surface.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/search/address", h.searchAddress)
		r.Get("/block/hash/{hash}", h.blockByHash)
		r.Get("/block/{number}", h.blockByNumber)
		r.Get("/blocks/latest", h.latestBlock)
		r.Get("/blocks/latest/info", h.latestBlockInfo)
		r.Get("/extrinsic/{hash}", h.extrinsic)
		r.Get("/network/info", h.networkInfo)
		r.Get("/network/rpc-endpoint", h.getEndpoint)
		r.Post("/network/rpc-endpoint", h.setEndpoint)
		r.Get("/indexer/status", h.indexerStatus)
		r.Route("/debug/cache", func(r chi.Router) {
			r.Get("/stats", h.cacheStats)
			r.Get("/clear", h.cacheClear)
			r.Get("/clear/address", h.cacheClearAddress)
			r.Get("/clear/extrinsic", h.cacheClearExtrinsic)
		})
	})

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)
}

type errorBody struct {
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("Failed writing response", "err", err)
	}
}

// writeError maps domain error kinds to status codes: 400 validation, 404
// absent, 503 chain unavailable, 504 deadline on single-item queries, 500
// otherwise.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.ErrorKind(err) {
	case core.KindBadRequest:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindUnavailable:
		status = http.StatusServiceUnavailable
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("Request failed", "err", err)
	}
	h.writeJSON(w, status, errorBody{Message: err.Error()})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if h.pool.ConnectedCount() == 0 && !h.pool.Primary().Connected() {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	})
}
