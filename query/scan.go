package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/subscope/subscope/core"
	"golang.org/x/sync/errgroup"
)

// scanBlocks fetches the given block numbers in batches of batchSize, with up
// to the configured number of batches in flight at once, and feeds each
// assembled block to visit. Per-block failures are logged and skipped; the
// scan only stops early when ctx expires or visit asks to stop. The returned
// count is how many blocks were actually fetched.
func (e *Engine) scanBlocks(ctx context.Context, numbers []uint64, batchSize int,
	visit func(record *core.BlockRecord) (stop bool),
) uint64 {
	var scanned atomic.Uint64
	var stopped atomic.Bool
	var visitMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.limits.MaxConcurrent)

	for start := 0; start < len(numbers); start += batchSize {
		if stopped.Load() || groupCtx.Err() != nil {
			break
		}
		batch := numbers[start:min(start+batchSize, len(numbers))]
		group.Go(func() error {
			for _, number := range batch {
				if stopped.Load() || groupCtx.Err() != nil {
					return nil
				}
				record, err := e.fetcher.ByNumber(groupCtx, number)
				if err != nil {
					e.log.Debugw("Skipping block during scan", "number", number, "err", err)
					continue
				}
				scanned.Add(1)
				visitMu.Lock()
				stop := visit(record)
				visitMu.Unlock()
				if stop {
					stopped.Store(true)
					return nil
				}
			}
			return nil
		})
	}
	//nolint:errcheck // workers only return nil; failures are per-block.
	group.Wait()
	return scanned.Load()
}

// descending returns {from, from-1, ...} of at most count numbers, clamped
// above zero: genesis is never scanned.
func descending(from uint64, count int) []uint64 {
	numbers := make([]uint64, 0, count)
	for n := from; len(numbers) < count && n >= 1; n-- {
		numbers = append(numbers, n)
	}
	return numbers
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
