package fetcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/subscope/subscope/chain"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/utils"
	"golang.org/x/sync/errgroup"
)

// Fetcher turns block numbers and hashes into fully assembled BlockRecords:
// header, decoded extrinsics, and per-extrinsic events attached by their
// applyExtrinsic phase.
type Fetcher struct {
	pool *pool.Pool
	log  utils.SimpleLogger
}

func New(p *pool.Pool, log utils.SimpleLogger) *Fetcher {
	return &Fetcher{pool: p, log: log}
}

// Header resolves the header at the given hash, or the tip if at is empty.
func (f *Fetcher) Header(ctx context.Context, at string) (core.Header, error) {
	return f.pool.Next().Header(ctx, at)
}

// ByNumber fetches and assembles the block at the given number.
func (f *Fetcher) ByNumber(ctx context.Context, number uint64) (*core.BlockRecord, error) {
	client := f.pool.Next()
	hash, err := client.BlockHash(ctx, number)
	if err != nil {
		return nil, err
	}
	return f.fetch(ctx, client, hash)
}

// ByHash fetches and assembles the block at the given hash.
func (f *Fetcher) ByHash(ctx context.Context, hash string) (*core.BlockRecord, error) {
	normalized, err := core.NormalizeHash(hash)
	if err != nil {
		return nil, err
	}
	return f.fetch(ctx, f.pool.Next(), normalized)
}

func (f *Fetcher) fetch(ctx context.Context, client *chain.Client, hash string) (*core.BlockRecord, error) {
	var (
		header     core.Header
		extrinsics []*core.Extrinsic
		events     []*core.EventRecord
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		header, extrinsics, err = client.Block(groupCtx, hash)
		return err
	})
	group.Go(func() error {
		var err error
		events, err = client.EventsAt(groupCtx, hash)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return Assemble(header, extrinsics, events), nil
}

// Assemble attaches each event whose phase is applyExtrinsic(i) to the
// extrinsic at index i and collects the rest as standalone. Extrinsic success
// is overturned by a system.ExtrinsicFailed event in its sublist.
func Assemble(header core.Header, extrinsics []*core.Extrinsic, events []*core.EventRecord) *core.BlockRecord {
	record := &core.BlockRecord{
		Number:         header.Number,
		Hash:           header.Hash,
		ParentHash:     header.ParentHash,
		StateRoot:      header.StateRoot,
		ExtrinsicsRoot: header.ExtrinsicsRoot,
		Extrinsics:     extrinsics,
	}

	for _, event := range events {
		if event.ExtrinsicIndex != nil && *event.ExtrinsicIndex < len(extrinsics) {
			ext := extrinsics[*event.ExtrinsicIndex]
			event.ExtrinsicHash = ext.Hash
			ext.Events = append(ext.Events, event)
			if strings.EqualFold(event.Section, "system") && event.Method == "ExtrinsicFailed" {
				ext.Success = false
			}
			continue
		}
		record.StandaloneEvents = append(record.StandaloneEvents, event)
	}

	for _, ext := range extrinsics {
		if ts, ok := timestampFromArgs(ext); ok {
			record.Timestamp = ts
			break
		}
	}
	return record
}

// timestampFromArgs extracts the block timestamp from the timestamp.set
// inherent's first argument, in milliseconds.
func timestampFromArgs(ext *core.Extrinsic) (int64, bool) {
	if !strings.EqualFold(ext.Section, "timestamp") || !strings.EqualFold(ext.Method, "set") {
		return 0, false
	}
	var params []struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(ext.Args, &params); err != nil || len(params) == 0 {
		return 0, false
	}
	switch v := params[0].Value.(type) {
	case float64:
		return int64(v), true
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimPrefix(v, "0x"), 10, 64); err == nil {
			return parsed, true
		}
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
