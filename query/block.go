package query

import (
	"context"

	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/store"
)

const maxPlausibleNumber = 1_000_000_000

// GetBlock loads a block by number, store first, live fallback.
func (e *Engine) GetBlock(ctx context.Context, number uint64) (*store.Block, error) {
	block, err := e.store.GetBlockByNumber(ctx, number)
	if err == nil {
		return block, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	release := e.pool.Track()
	defer release()
	record, err := e.fetcher.ByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return blockFromRecord(record), nil
}

// GetBlockByHash loads a block by hash, store first, live fallback. The
// result additionally passes a header sanity check: a plausible number,
// populated roots, and a present extrinsics list — a node answering with
// anything less is treated as not having the block.
func (e *Engine) GetBlockByHash(ctx context.Context, hash string) (*store.Block, error) {
	normalized, err := core.NormalizeHash(hash)
	if err != nil {
		return nil, err
	}

	block, err := e.store.GetBlockByHash(ctx, normalized)
	if err == nil {
		if err := validateBlock(block); err != nil {
			return nil, err
		}
		return block, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	release := e.pool.Track()
	defer release()
	record, err := e.fetcher.ByHash(ctx, normalized)
	if err != nil {
		return nil, err
	}
	result := blockFromRecord(record)
	if err := validateBlock(result); err != nil {
		return nil, err
	}
	return result, nil
}

func validateBlock(block *store.Block) error {
	switch {
	case block.Number == 0 || block.Number > maxPlausibleNumber:
		return core.NotFoundf("block number %d out of range", block.Number)
	case block.ParentHash == "" || block.StateRoot == "" || block.ExtrinsicsRoot == "":
		return core.NotFoundf("block %s has an incomplete header", block.Hash)
	case len(block.Extrinsics) == 0:
		return core.NotFoundf("block %s carries no extrinsics", block.Hash)
	}
	return nil
}

// GetLatestBlock reports the tip header with counts. It never consults the
// store: the tip moves faster than the indexer.
func (e *Engine) GetLatestBlock(ctx context.Context) (*LatestInfo, error) {
	release := e.pool.Track()
	defer release()

	tip, err := e.tip(ctx)
	if err != nil {
		return nil, err
	}
	record, err := e.fetcher.ByHash(ctx, tip.Hash)
	if err != nil {
		return nil, err
	}
	return &LatestInfo{
		Number:          record.Number,
		Hash:            record.Hash,
		Timestamp:       record.Timestamp,
		ExtrinsicsCount: len(record.Extrinsics),
		EventsCount:     record.EventsCount(),
	}, nil
}

func blockFromRecord(record *core.BlockRecord) *store.Block {
	block := &store.Block{
		Number:          record.Number,
		Hash:            record.Hash,
		ParentHash:      record.ParentHash,
		StateRoot:       record.StateRoot,
		ExtrinsicsRoot:  record.ExtrinsicsRoot,
		Timestamp:       record.Timestamp,
		Author:          record.Author,
		ExtrinsicsCount: len(record.Extrinsics),
		EventsCount:     record.EventsCount(),
	}
	for _, ext := range record.Extrinsics {
		block.Extrinsics = append(block.Extrinsics, &store.Extrinsic{
			Extrinsic:   *ext,
			BlockNumber: record.Number,
			BlockHash:   record.Hash,
			Timestamp:   record.Timestamp,
		})
	}
	return block
}
