package query

import (
	"context"
	"sort"
	"strings"

	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/store"
)

const (
	storeReadLimit   = 1000
	preflightMax     = 100
	preflightPadding = 2
	trailingFromTip  = 50
)

// AddressSearchParams are validated before any work happens; a method filter
// requires its pallet.
type AddressSearchParams struct {
	Address      string `validate:"required"`
	BlocksToScan int    `validate:"min=1"`
	BatchSize    int    `validate:"min=1"`
	Pallet       string
	Method       string
}

func (e *Engine) validateAddressParams(params *AddressSearchParams) error {
	if err := e.validate.Struct(params); err != nil {
		return core.WrapError(core.KindBadRequest, err, "invalid search parameters")
	}
	if !e.isAddress(params.Address) {
		return core.BadRequestf("address %q is not a valid chain address", params.Address)
	}
	if params.BlocksToScan > e.limits.MaxBlocksToScan {
		return core.BadRequestf("blocksToScan %d exceeds the maximum of %d", params.BlocksToScan, e.limits.MaxBlocksToScan)
	}
	if params.BatchSize > e.limits.MaxBatchSize {
		return core.BadRequestf("batchSize %d exceeds the maximum of %d", params.BatchSize, e.limits.MaxBatchSize)
	}
	if params.Method != "" && params.Pallet == "" {
		return core.BadRequestf("a method filter requires a pallet")
	}
	return nil
}

// SearchAddress finds extrinsics and events involving an address in the
// trailing blocksToScan blocks. With sufficient store coverage and at least
// one stored hit the answer comes from the projection; otherwise (including a
// covered range with no stored hits) a live scan runs under a deadline
// bucketed by the requested work, returning whatever it collected on expiry.
func (e *Engine) SearchAddress(ctx context.Context, params AddressSearchParams) (*AddressSearchResult, error) {
	if err := e.validateAddressParams(&params); err != nil {
		return nil, err
	}
	release := e.pool.Track()
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.clampDeadline(searchDeadline(params.BlocksToScan)))
	defer cancel()

	tip, err := e.tip(ctx)
	if err != nil {
		return nil, err
	}
	requestedStart := uint64(0)
	if tip.Number > uint64(params.BlocksToScan) {
		requestedStart = tip.Number - uint64(params.BlocksToScan)
	}

	if covered, err := e.covers(ctx, requestedStart, tip.Number); err != nil {
		return nil, err
	} else if covered {
		hits, err := e.storedHits(ctx, params, requestedStart, tip.Number)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			return &AddressSearchResult{Transactions: hits, Total: len(hits)}, nil
		}
	}

	return e.liveSearch(ctx, params, tip)
}

// covers reports whether the indexed range contains [requestedStart, tip].
func (e *Engine) covers(ctx context.Context, requestedStart, tip uint64) (bool, error) {
	first, last, ok, err := e.store.Range(ctx)
	if err != nil {
		return false, err
	}
	return ok && first <= requestedStart && tip <= last, nil
}

func (e *Engine) storedHits(ctx context.Context, params AddressSearchParams, from, to uint64) ([]*Hit, error) {
	extrinsics, err := e.store.AddressExtrinsics(ctx, params.Address, storeReadLimit)
	if err != nil && !core.IsNotFound(err) {
		return nil, err
	}
	hits := make([]*Hit, 0, len(extrinsics))
	for _, ext := range extrinsics {
		if ext.BlockNumber < from || ext.BlockNumber > to {
			continue
		}
		if !matchesFilter(ext.Section, ext.Method, params.Pallet, params.Method) {
			continue
		}
		hits = append(hits, extrinsicHit(ext))
	}
	return hits, nil
}

func matchesFilter(section, method, pallet, wantMethod string) bool {
	if pallet == "" {
		return true
	}
	if !strings.EqualFold(section, pallet) {
		return false
	}
	return wantMethod == "" || strings.EqualFold(method, wantMethod)
}

func extrinsicHit(ext *store.Extrinsic) *Hit {
	return &Hit{
		BlockNumber:    ext.BlockNumber,
		BlockHash:      ext.BlockHash,
		Section:        ext.Section,
		Method:         ext.Method,
		ExtrinsicHash:  ext.Hash,
		ExtrinsicIndex: ext.Index,
		Signer:         ext.Signer,
		Nonce:          ext.Nonce,
		Args:           ext.Args,
		Events:         ext.Events,
		Timestamp:      ext.Timestamp,
	}
}

// liveSearch is the RPC path: a bounded preflight looks for blocks whose
// events mention the address, and the scan then targets those blocks (padded
// and unioned with the tip's trailing window) instead of walking the whole
// requested range blindly.
func (e *Engine) liveSearch(ctx context.Context, params AddressSearchParams, tip core.Header) (*AddressSearchResult, error) {
	targets := e.preflight(ctx, params, tip)
	if len(targets) == 0 {
		targets = descending(tip.Number, params.BlocksToScan)
	}

	var hits []*Hit
	scanned := e.scanBlocks(ctx, targets, params.BatchSize, func(record *core.BlockRecord) bool {
		hits = append(hits, blockHits(record, params)...)
		return false
	})

	sort.Slice(hits, func(i, j int) bool { return hits[i].BlockNumber > hits[j].BlockNumber })
	return &AddressSearchResult{
		Transactions:  hits,
		Total:         len(hits),
		BlocksScanned: scanned,
	}, nil
}

// preflight scans the most recent blocks' events for a textual mention of the
// address and, on a sighting, builds the targeted block set: the active
// blocks padded by two on each side, unioned with the trailing fifty from
// tip, newest first, capped at blocksToScan.
func (e *Engine) preflight(ctx context.Context, params AddressSearchParams, tip core.Header) []uint64 {
	lookback := min(params.BlocksToScan, preflightMax)
	active := make(map[uint64]struct{})

	client := e.pool.Next()
	for _, number := range descending(tip.Number, lookback) {
		if ctx.Err() != nil {
			break
		}
		hash, err := client.BlockHash(ctx, number)
		if err != nil {
			continue
		}
		events, err := client.EventsAt(ctx, hash)
		if err != nil {
			continue
		}
		for _, event := range events {
			if strings.Contains(string(event.Data), params.Address) {
				active[number] = struct{}{}
				break
			}
		}
	}
	if len(active) == 0 {
		return nil
	}

	padded := make(map[uint64]struct{}, len(active)*(2*preflightPadding+1))
	for number := range active {
		for delta := -preflightPadding; delta <= preflightPadding; delta++ {
			padded[addClamped(number, delta)] = struct{}{}
		}
	}
	for _, number := range descending(tip.Number, trailingFromTip) {
		padded[number] = struct{}{}
	}

	targets := make([]uint64, 0, len(padded))
	for number := range padded {
		if number > 0 && number <= tip.Number {
			targets = append(targets, number)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] > targets[j] })
	if len(targets) > params.BlocksToScan {
		targets = targets[:params.BlocksToScan]
	}
	return targets
}

func addClamped(n uint64, delta int) uint64 {
	if delta < 0 {
		d := uint64(-delta)
		if n < d {
			return 0
		}
		return n - d
	}
	return n + uint64(delta)
}

// blockHits extracts address hits from one assembled block: signed extrinsics
// the address signed (honoring the pallet/method filter) and events whose
// rendered data contains the address.
func blockHits(record *core.BlockRecord, params AddressSearchParams) []*Hit {
	var hits []*Hit
	for _, ext := range record.Extrinsics {
		if ext.IsSigned && ext.Signer == params.Address &&
			matchesFilter(ext.Section, ext.Method, params.Pallet, params.Method) {
			hits = append(hits, &Hit{
				BlockNumber:    record.Number,
				BlockHash:      record.Hash,
				Section:        ext.Section,
				Method:         ext.Method,
				ExtrinsicHash:  ext.Hash,
				ExtrinsicIndex: ext.Index,
				Signer:         ext.Signer,
				Nonce:          ext.Nonce,
				Args:           ext.Args,
				Events:         ext.Events,
				Timestamp:      record.Timestamp,
			})
		}
		for _, event := range ext.Events {
			if hit := eventHit(record, event, params.Address); hit != nil {
				hits = append(hits, hit)
			}
		}
	}
	for _, event := range record.StandaloneEvents {
		if hit := eventHit(record, event, params.Address); hit != nil {
			hits = append(hits, hit)
		}
	}
	return hits
}

func eventHit(record *core.BlockRecord, event *core.EventRecord, address string) *Hit {
	if !strings.Contains(string(event.Data), address) {
		return nil
	}
	hit := &Hit{
		BlockNumber: record.Number,
		BlockHash:   record.Hash,
		Section:     event.Section,
		Method:      event.Method,
		Data:        event.Data,
		EventIndex:  &event.EventIndex,
		Timestamp:   record.Timestamp,
	}
	if event.ExtrinsicIndex != nil {
		hit.ExtrinsicIndex = *event.ExtrinsicIndex
		hit.ExtrinsicHash = event.ExtrinsicHash
	}
	return hit
}
