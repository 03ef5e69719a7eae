package indexer

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/feed"
	"github.com/subscope/subscope/fetcher"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
	"github.com/subscope/subscope/watcher"
)

const (
	// StateLastScanned tracks the highest block whose details committed.
	StateLastScanned = "last_scanned_block"
	// StateLastFinalized tracks the highest finalized head observed.
	StateLastFinalized = "last_finalized_block"

	detailWorkers    = 4
	maxDetailRetries = 5
)

// Indexer consumes HeadSeen events and drives each block through
// Unseen → Header → Details → Complete. Head events are processed in arrival
// order; detail ingestion for distinct blocks runs concurrently. Every write
// is an idempotent upsert, so the supervisor retry after any failure is safe.
type Indexer struct {
	store     *store.Store
	fetcher   *fetcher.Fetcher
	watcher   *watcher.Watcher
	log       utils.SimpleLogger
	isAddress core.AddressPredicate

	details *feed.Feed[*core.BlockRecord]
	txs     *feed.Feed[core.TxSeen]

	lastProcessed atomic.Uint64
	indexedTotal  atomic.Uint64
}

// Option tweaks indexer construction.
type Option func(*Indexer)

// WithAddressPredicate swaps the address detection heuristic.
func WithAddressPredicate(pred core.AddressPredicate) Option {
	return func(i *Indexer) {
		i.isAddress = pred
	}
}

func New(st *store.Store, f *fetcher.Fetcher, w *watcher.Watcher, log utils.SimpleLogger, opts ...Option) *Indexer {
	i := &Indexer{
		store:     st,
		fetcher:   f,
		watcher:   w,
		log:       log,
		isAddress: core.IsAddressLike,
		details:   feed.New[*core.BlockRecord](),
		txs:       feed.New[core.TxSeen](),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// BlockDetails is the feed of fully indexed blocks.
func (i *Indexer) BlockDetails() *feed.Feed[*core.BlockRecord] {
	return i.details
}

// Transactions is the feed of committed signed extrinsics.
func (i *Indexer) Transactions() *feed.Feed[core.TxSeen] {
	return i.txs
}

// LastProcessed reports the highest block number whose details committed.
func (i *Indexer) LastProcessed() uint64 {
	return i.lastProcessed.Load()
}

// IndexedTotal reports how many blocks this process has committed.
func (i *Indexer) IndexedTotal() uint64 {
	return i.indexedTotal.Load()
}

// Run blocks until ctx is done.
func (i *Indexer) Run(ctx context.Context) error {
	defer i.details.Tear()
	defer i.txs.Tear()

	seenSub := i.watcher.HeadsSeen().Subscribe()
	defer seenSub.Unsubscribe()
	finSub := i.watcher.HeadsFinalized().Subscribe()
	defer finSub.Unsubscribe()

	var workers conc.WaitGroup
	defer workers.Wait()
	slots := make(chan struct{}, detailWorkers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-seenSub.Recv():
			if !ok {
				return nil
			}
			i.onHeadSeen(ctx, head, &workers, slots)
		case head, ok := <-finSub.Recv():
			if !ok {
				return nil
			}
			i.onHeadFinalized(ctx, head)
		}
	}
}

// onHeadSeen writes the header-only projection and schedules detail
// ingestion. An existing row means the block was seen before; Complete is
// sticky and the head is dropped.
func (i *Indexer) onHeadSeen(ctx context.Context, head core.HeadSeen, workers *conc.WaitGroup, slots chan struct{}) {
	header, err := i.poolHeader(ctx, head)
	if err != nil {
		i.log.Warnw("Failed loading header for new head", "number", head.Number, "err", err)
		return
	}
	inserted, err := i.store.InsertBlockHeader(ctx, header, head.SeenAt)
	if err != nil {
		i.log.Errorw("Failed inserting block header", "number", head.Number, "err", err)
		return
	}
	if !inserted {
		i.log.Debugw("Block already indexed", "number", head.Number)
		return
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	workers.Go(func() {
		defer func() { <-slots }()
		i.ingestDetails(ctx, head.Number, head.Hash)
	})
}

func (i *Indexer) poolHeader(ctx context.Context, head core.HeadSeen) (core.Header, error) {
	header, err := i.fetcher.Header(ctx, head.Hash)
	if err != nil {
		return core.Header{}, err
	}
	header.Number = head.Number
	return header, nil
}

func (i *Indexer) onHeadFinalized(ctx context.Context, head core.HeadFinalized) {
	value := strconv.FormatUint(head.Number, 10)
	if err := i.store.SetState(ctx, StateLastFinalized, value); err != nil {
		i.log.Warnw("Failed recording finalized head", "number", head.Number, "err", err)
	}
}

// ingestDetails fetches, derives, and commits a block's details, retrying
// transient failures with capped exponential backoff. Decode failures are
// permanent: a malformed block will not become well-formed on retry.
func (i *Indexer) ingestDetails(ctx context.Context, number uint64, hash string) {
	retry := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDetailRetries), ctx)

	err := backoff.Retry(func() error {
		record, err := i.fetcher.ByHash(ctx, hash)
		if err != nil {
			if kind := core.ErrorKind(err); kind == core.KindDecode || kind == core.KindNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		record.Extrinsics = i.dropMalformed(record)
		edges := deriveEdges(record, i.isAddress)
		if err := i.store.InsertBlockDetails(ctx, record, edges); err != nil {
			return err
		}
		i.commit(ctx, record)
		return nil
	}, retry)
	if err != nil {
		i.log.Errorw("Giving up on block details", "number", number, "hash", hash, "err", err)
	}
}

// dropMalformed skips extrinsics the decoder could not fully resolve. The
// block still counts as indexed as long as something survived.
func (i *Indexer) dropMalformed(record *core.BlockRecord) []*core.Extrinsic {
	kept := record.Extrinsics[:0]
	for _, ext := range record.Extrinsics {
		if ext.Hash == "" || ext.Section == "" {
			i.log.Warnw("Skipping malformed extrinsic",
				"block", record.Number, "index", ext.Index, "section", ext.Section)
			continue
		}
		kept = append(kept, ext)
	}
	return kept
}

func (i *Indexer) commit(ctx context.Context, record *core.BlockRecord) {
	i.indexedTotal.Add(1)
	for {
		last := i.lastProcessed.Load()
		if record.Number <= last {
			break
		}
		if i.lastProcessed.CompareAndSwap(last, record.Number) {
			value := strconv.FormatUint(record.Number, 10)
			if err := i.store.SetState(ctx, StateLastScanned, value); err != nil {
				i.log.Warnw("Failed recording last scanned block", "number", record.Number, "err", err)
			}
			break
		}
	}

	i.details.Send(record)
	for _, ext := range record.Extrinsics {
		if !ext.IsSigned {
			continue
		}
		participants := make([]string, 0, 4)
		for _, edge := range deriveEdges(&core.BlockRecord{
			Number:     record.Number,
			Extrinsics: []*core.Extrinsic{ext},
		}, i.isAddress) {
			if edge.Role != "signer" {
				participants = append(participants, edge.Address)
			}
		}
		i.txs.Send(core.TxSeen{
			Hash:         ext.Hash,
			BlockNumber:  record.Number,
			BlockHash:    record.Hash,
			Section:      ext.Section,
			Method:       ext.Method,
			Signer:       ext.Signer,
			Participants: participants,
			Timestamp:    record.Timestamp,
		})
	}

	i.log.Infow("Indexed block",
		"number", record.Number,
		"extrinsics", len(record.Extrinsics),
		"events", record.EventsCount())
}
