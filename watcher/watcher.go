package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/subscope/subscope/chain"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/feed"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/utils"
)

// Watcher holds the live head subscriptions and republishes them as typed
// HeadSeen / HeadFinalized feeds. When the underlying client drops, the
// watcher goes idle and resubscribes after backoff; nothing is buffered
// across restarts — downstream consumers tolerate gaps and rely on the
// indexer's idempotence.
type Watcher struct {
	pool *pool.Pool
	log  utils.SimpleLogger

	seen      *feed.Feed[core.HeadSeen]
	finalized *feed.Feed[core.HeadFinalized]

	idle atomic.Bool
}

func New(p *pool.Pool, log utils.SimpleLogger) *Watcher {
	w := &Watcher{
		pool:      p,
		log:       log,
		seen:      feed.New[core.HeadSeen](),
		finalized: feed.New[core.HeadFinalized](),
	}
	w.idle.Store(true)
	return w
}

// HeadsSeen is the feed of new best heads.
func (w *Watcher) HeadsSeen() *feed.Feed[core.HeadSeen] {
	return w.seen
}

// HeadsFinalized is the feed of finalized heads.
func (w *Watcher) HeadsFinalized() *feed.Feed[core.HeadFinalized] {
	return w.finalized
}

// Idle reports whether the watcher currently has no live subscription.
func (w *Watcher) Idle() bool {
	return w.idle.Load()
}

// Run blocks until ctx is done, supervising the subscription pair.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.seen.Tear()
	defer w.finalized.Tear()

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.watch(ctx, retry); err != nil {
			return err
		}
		w.idle.Store(true)
		wait := retry.NextBackOff()
		w.log.Warnw("Head subscription lost, restarting", "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// watch runs one subscription session. It returns nil when the session ends
// and should be restarted, or ctx.Err() on shutdown.
func (w *Watcher) watch(ctx context.Context, retry *backoff.ExponentialBackOff) error {
	client := w.pool.Primary()

	newSub, err := client.SubscribeNewHeads(ctx)
	if err != nil {
		w.log.Warnw("Subscribing to new heads failed", "err", err)
		return nil
	}
	finSub, err := client.SubscribeFinalizedHeads(ctx)
	if err != nil {
		newSub.Unsubscribe()
		w.log.Warnw("Subscribing to finalized heads failed", "err", err)
		return nil
	}
	defer newSub.Unsubscribe()
	defer finSub.Unsubscribe()

	retry.Reset()
	w.idle.Store(false)
	w.log.Infow("Watching heads", "endpoint", client.Endpoint())

	w.consume(ctx, newSub, finSub)
	return ctx.Err()
}

func (w *Watcher) consume(ctx context.Context, newSub, finSub *chain.HeadsSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case head, ok := <-newSub.Recv():
			if !ok {
				return
			}
			w.seen.Send(core.HeadSeen{
				Number: head.Number,
				Hash:   head.Hash,
				SeenAt: time.Now().UnixMilli(),
			})
		case head, ok := <-finSub.Recv():
			if !ok {
				return
			}
			w.finalized.Send(core.HeadFinalized{
				Number:      head.Number,
				Hash:        head.Hash,
				FinalizedAt: time.Now().UnixMilli(),
			})
		}
	}
}
