package query

import (
	"context"

	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/store"
)

// Strategy selects how a live extrinsic search walks the chain.
type Strategy string

const (
	// StrategyEvents walks a fixed recent window, cheap and usually enough.
	StrategyEvents Strategy = "events"
	// StrategyBlocks walks maxBlocks trailing blocks.
	StrategyBlocks Strategy = "blocks"
	// StrategyHybrid tries events first, then falls through to blocks.
	StrategyHybrid Strategy = "hybrid"
)

const (
	eventsWindowMax     = 2000
	extrinsicScanBatch  = 100
	defaultMaxBlocks    = 10_000
	maxBlocksUpperBound = 100_000
)

// ExtrinsicLookupParams carry a validated hash and the fallback scan bounds.
type ExtrinsicLookupParams struct {
	Hash      string
	Strategy  Strategy
	MaxBlocks int
}

func (e *Engine) validateExtrinsicParams(params *ExtrinsicLookupParams) error {
	hash, err := core.NormalizeHash(params.Hash)
	if err != nil {
		return err
	}
	params.Hash = hash
	switch params.Strategy {
	case "":
		params.Strategy = StrategyEvents
	case StrategyEvents, StrategyBlocks, StrategyHybrid:
	default:
		return core.BadRequestf("unknown strategy %q", params.Strategy)
	}
	if params.MaxBlocks == 0 {
		params.MaxBlocks = defaultMaxBlocks
	}
	if params.MaxBlocks < 1 || params.MaxBlocks > maxBlocksUpperBound {
		return core.BadRequestf("maxBlocks must be within 1..%d", maxBlocksUpperBound)
	}
	return nil
}

// LookupExtrinsic finds an extrinsic by hash: the store first, then a
// batched parallel walk of trailing blocks per the chosen strategy.
func (e *Engine) LookupExtrinsic(ctx context.Context, params ExtrinsicLookupParams) (*ExtrinsicResult, error) {
	if err := e.validateExtrinsicParams(&params); err != nil {
		return nil, err
	}

	ext, block, err := e.store.GetExtrinsicByHash(ctx, params.Hash)
	if err == nil {
		block.Extrinsics = nil
		return &ExtrinsicResult{Extrinsic: ext, Block: block}, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	release := e.pool.Track()
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.clampDeadline(extrinsicDeadline(params.MaxBlocks)))
	defer cancel()

	tip, err := e.tip(ctx)
	if err != nil {
		return nil, err
	}

	// The events walk is the cheap recent window; it never exceeds the
	// caller's maxBlocks bound.
	eventsWindow := min(eventsWindowMax, min(int(tip.Number), params.MaxBlocks))

	var found *core.BlockRecord
	switch params.Strategy {
	case StrategyEvents:
		found = e.walkForExtrinsic(ctx, tip, eventsWindow, params.Hash)
	case StrategyBlocks:
		found = e.walkForExtrinsic(ctx, tip, params.MaxBlocks, params.Hash)
	case StrategyHybrid:
		found = e.walkForExtrinsic(ctx, tip, eventsWindow, params.Hash)
		if found == nil {
			found = e.walkForExtrinsic(ctx, tip, params.MaxBlocks, params.Hash)
		}
	}
	if found == nil {
		return nil, core.NotFoundf("extrinsic %s", params.Hash)
	}
	return liveExtrinsicResult(found, params.Hash)
}

// walkForExtrinsic scans count trailing blocks from tip, newest first,
// stopping at the first block containing the hash.
func (e *Engine) walkForExtrinsic(ctx context.Context, tip core.Header, count int, hash string) *core.BlockRecord {
	var found *core.BlockRecord
	e.scanBlocks(ctx, descending(tip.Number, count), extrinsicScanBatch, func(record *core.BlockRecord) bool {
		for _, ext := range record.Extrinsics {
			if ext.Hash == hash {
				found = record
				return true
			}
		}
		return false
	})
	return found
}

func liveExtrinsicResult(record *core.BlockRecord, hash string) (*ExtrinsicResult, error) {
	for _, ext := range record.Extrinsics {
		if ext.Hash != hash {
			continue
		}
		return &ExtrinsicResult{
			Extrinsic: &store.Extrinsic{
				Extrinsic:   *ext,
				BlockNumber: record.Number,
				BlockHash:   record.Hash,
				Timestamp:   record.Timestamp,
			},
			Block: &store.Block{
				Number:          record.Number,
				Hash:            record.Hash,
				ParentHash:      record.ParentHash,
				StateRoot:       record.StateRoot,
				ExtrinsicsRoot:  record.ExtrinsicsRoot,
				Timestamp:       record.Timestamp,
				ExtrinsicsCount: len(record.Extrinsics),
				EventsCount:     record.EventsCount(),
			},
		}, nil
	}
	return nil, core.NotFoundf("extrinsic %s", hash)
}
