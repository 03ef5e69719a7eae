package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/subscope/subscope/api"
	"github.com/subscope/subscope/broadcast"
	"github.com/subscope/subscope/cache"
	"github.com/subscope/subscope/fetcher"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/query"
	"github.com/subscope/subscope/store"
	"github.com/subscope/subscope/utils"
	"github.com/subscope/subscope/watcher"
	"github.com/subscope/subscope/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// Node assembles and runs the explorer service: store, pool, watcher,
// indexer, broadcaster, query engine, and the public surfaces.
type Node struct {
	cfg *Config
	log utils.SimpleLogger

	store       *store.Store
	pool        *pool.Pool
	watcher     *watcher.Watcher
	indexer     *indexer.Indexer
	broadcaster *broadcast.Broadcaster
	server      *http.Server

	metrics *metrics
}

// New builds the node. Failed migrations abort startup: the service never
// serves traffic over a partial schema.
func New(ctx context.Context, cfg *Config, log utils.SimpleLogger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	p, err := pool.New(cfg.RPCEndpoint, pool.DefaultSize,
		time.Duration(cfg.ConnectionTimeout)*time.Millisecond, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	f := fetcher.New(p, log)
	w := watcher.New(p, log)
	idx := indexer.New(st, f, w, log)
	b := broadcast.New(log)
	resultCache := cache.New(log)

	limits := query.DefaultLimits()
	limits.MaxBlocksToScan = cfg.MaxBlocksToScan
	limits.SearchTimeout = time.Duration(cfg.SearchTimeout) * time.Millisecond
	engine := query.New(st, p, f, limits, log)

	handler := api.New(engine, resultCache, st, p, idx, DefaultRequestBlocks, cfg.DefaultBatchSize, log)

	root := chi.NewRouter()
	root.Mount("/", handler.Router(cfg.AllowedOrigins))
	root.Handle("/blockchain", ws.NewServer(b, p, idx, log))
	root.Handle("/metrics", promhttp.Handler())

	n := &Node{
		cfg:         cfg,
		log:         log,
		store:       st,
		pool:        p,
		watcher:     w,
		indexer:     idx,
		broadcaster: b,
		metrics:     newMetrics(p, b),
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return n, nil
}

// Run blocks until ctx is done or a service fails terminally.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	n.log.Infow("Starting subscope",
		"endpoint", n.cfg.RPCEndpoint, "listen", n.server.Addr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(n.watcher.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(n.indexer.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(n.broadcaster.Run(groupCtx, n.watcher, n.indexer)) })
	group.Go(func() error { return ignoreCanceled(n.metrics.run(groupCtx, n.indexer)) })
	group.Go(func() error {
		err := n.server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (n *Node) close() {
	if err := n.pool.Close(); err != nil {
		n.log.Warnw("Closing pool", "err", err)
	}
	if err := n.store.Close(); err != nil {
		n.log.Warnw("Closing store", "err", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
