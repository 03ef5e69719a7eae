package query

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/fetcher"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
)

// Limits bound what a single query may ask for.
type Limits struct {
	MaxBlocksToScan int
	MaxBatchSize    int
	MaxConcurrent   int
	// SearchTimeout caps the bucketed deadlines of live scans.
	SearchTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxBlocksToScan: 1_000_000,
		MaxBatchSize:    1000,
		MaxConcurrent:   pool.DefaultSize,
		SearchTimeout:   20 * time.Minute,
	}
}

// Engine resolves address, extrinsic, and block searches. It prefers the
// store projection and falls back to live RPC scans when the indexed range
// does not cover the request.
type Engine struct {
	store     *store.Store
	pool      *pool.Pool
	fetcher   *fetcher.Fetcher
	log       utils.SimpleLogger
	validate  *validator.Validate
	limits    Limits
	isAddress core.AddressPredicate
}

func New(st *store.Store, p *pool.Pool, f *fetcher.Fetcher, limits Limits, log utils.SimpleLogger) *Engine {
	return &Engine{
		store:     st,
		pool:      p,
		fetcher:   f,
		log:       log,
		validate:  validator.New(),
		limits:    limits,
		isAddress: core.IsAddressLike,
	}
}

// WithAddressPredicate swaps the address validation heuristic.
func (e *Engine) WithAddressPredicate(pred core.AddressPredicate) *Engine {
	e.isAddress = pred
	return e
}

// Hit is one address-search result: an extrinsic the address signed, or an
// event whose data mentions it.
type Hit struct {
	BlockNumber    uint64              `json:"blockNumber"`
	BlockHash      string              `json:"blockHash"`
	Section        string              `json:"section"`
	Method         string              `json:"method"`
	Data           json.RawMessage     `json:"data,omitempty"`
	ExtrinsicHash  string              `json:"extrinsicHash,omitempty"`
	ExtrinsicIndex int                 `json:"extrinsicIndex"`
	EventIndex     *int                `json:"eventIndex,omitempty"`
	Signer         string              `json:"signer,omitempty"`
	Nonce          *uint64             `json:"nonce,omitempty"`
	Args           json.RawMessage     `json:"args,omitempty"`
	Events         []*core.EventRecord `json:"events,omitempty"`
	Timestamp      int64               `json:"timestamp,omitempty"`
}

// AddressSearchResult is the address-search response body.
type AddressSearchResult struct {
	Transactions  []*Hit `json:"transactions"`
	Total         int    `json:"total"`
	BlocksScanned uint64 `json:"blocksScanned"`
}

// ExtrinsicResult is the extrinsic-lookup response body.
type ExtrinsicResult struct {
	Extrinsic *store.Extrinsic `json:"extrinsic"`
	Block     *store.Block     `json:"block"`
}

// LatestInfo summarizes the tip block.
type LatestInfo struct {
	Number          uint64 `json:"number"`
	Hash            string `json:"hash"`
	Timestamp       int64  `json:"timestamp"`
	ExtrinsicsCount int    `json:"extrinsicsCount"`
	EventsCount     int    `json:"eventsCount"`
}

// searchDeadline buckets an address-search deadline by the amount of work
// requested.
func searchDeadline(blocksToScan int) time.Duration {
	switch {
	case blocksToScan <= 100:
		return time.Minute
	case blocksToScan <= 1000:
		return 5 * time.Minute
	case blocksToScan <= 10_000:
		return 10 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// extrinsicDeadline uses the same bucketing with a floor of ten minutes.
func extrinsicDeadline(maxBlocks int) time.Duration {
	d := searchDeadline(maxBlocks)
	if d < 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

// clampDeadline honors the configured searchTimeout ceiling.
func (e *Engine) clampDeadline(d time.Duration) time.Duration {
	if e.limits.SearchTimeout > 0 && d > e.limits.SearchTimeout {
		return e.limits.SearchTimeout
	}
	return d
}

// tip resolves the current best header over the pool.
func (e *Engine) tip(ctx context.Context) (core.Header, error) {
	header, err := e.pool.Next().Header(ctx, "")
	if err != nil {
		return core.Header{}, err
	}
	return header, nil
}
