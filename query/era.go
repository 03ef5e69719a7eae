package query

import (
	"context"
	"time"
)

// Chain constants for the staking readout.
const (
	BlockTime    = 5 * time.Second
	EraDuration  = 10 * time.Minute
	BlocksPerEra = uint64(EraDuration / BlockTime)
)

// EraInfo is the staking-era readout.
type EraInfo struct {
	CurrentEra            uint64  `json:"currentEra"`
	ActiveEra             uint64  `json:"activeEra"`
	ActiveEraStart        int64   `json:"activeEraStart,omitempty"`
	BlockTime             int64   `json:"blockTime"`
	EraDuration           int64   `json:"eraDuration"`
	BlocksPerEra          uint64  `json:"blocksPerEra"`
	CurrentBlockInEra     uint64  `json:"currentBlockInEra"`
	BlocksRemainingInEra  uint64  `json:"blocksRemainingInEra"`
	TimeRemainingInEra    int64   `json:"timeRemainingInEra"`
	EraProgressPercentage float64 `json:"eraProgressPercentage"`
}

// EraReadout derives the staking-era view from the three staking storage
// items. When the storage reads fail — pruned state, a chain without the
// staking pallet — the readout degrades to block-based arithmetic.
func (e *Engine) EraReadout(ctx context.Context) (*EraInfo, error) {
	release := e.pool.Track()
	defer release()

	tip, err := e.tip(ctx)
	if err != nil {
		return nil, err
	}

	client := e.pool.Next()
	info := &EraInfo{
		BlockTime:    BlockTime.Milliseconds(),
		EraDuration:  EraDuration.Milliseconds(),
		BlocksPerEra: BlocksPerEra,
	}

	var eraStart uint64
	currentEra, err := client.CurrentEra(ctx)
	if err != nil {
		e.log.Debugw("Staking storage unavailable, using block arithmetic", "err", err)
		currentEra = uint32(tip.Number / BlocksPerEra)
		info.CurrentEra = uint64(currentEra)
		info.ActiveEra = uint64(currentEra)
		eraStart = uint64(currentEra) * BlocksPerEra
	} else {
		info.CurrentEra = uint64(currentEra)
		info.ActiveEra = uint64(currentEra)
		if active, err := client.ActiveEra(ctx); err == nil {
			info.ActiveEra = uint64(active.Index)
			if active.HasStart {
				info.ActiveEraStart = int64(active.Start)
			}
		}
		eraStart = e.resolveEraStart(ctx, currentEra, tip.Number)
	}

	blockInEra := (tip.Number - eraStart) % BlocksPerEra
	if tip.Number < eraStart {
		blockInEra = 0
	}
	info.CurrentBlockInEra = blockInEra
	info.BlocksRemainingInEra = BlocksPerEra - blockInEra
	info.TimeRemainingInEra = int64(info.BlocksRemainingInEra) * info.BlockTime
	info.EraProgressPercentage = float64(blockInEra) / float64(BlocksPerEra) * 100
	return info, nil
}

// resolveEraStart prefers the recorded era start, falls back to the active
// era's start if it lies within the chain, and finally to era arithmetic.
func (e *Engine) resolveEraStart(ctx context.Context, era uint32, tip uint64) uint64 {
	client := e.pool.Next()
	if start, err := client.ErasStart(ctx, era); err == nil {
		if s := uint64(start); s > 0 && s <= tip {
			return s
		}
	}
	if active, err := client.ActiveEra(ctx); err == nil && active.HasStart {
		if s := active.Start; s > 0 && s <= tip {
			return s
		}
	}
	return tip / BlocksPerEra * BlocksPerEra
}
