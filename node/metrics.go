package node

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/subscope/subscope/broadcast"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
)

type metrics struct {
	indexedBlocks prometheus.Counter
	committedTxs  prometheus.Counter
	lastIndexed   prometheus.Gauge
}

func newMetrics(p *pool.Pool, b *broadcast.Broadcaster) *metrics {
	m := &metrics{
		indexedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subscope",
			Name:      "indexed_blocks_total",
			Help:      "Blocks whose details committed to the store.",
		}),
		committedTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subscope",
			Name:      "committed_transactions_total",
			Help:      "Signed extrinsics committed to the store.",
		}),
		lastIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subscope",
			Name:      "last_indexed_block",
			Help:      "Highest block number whose details committed.",
		}),
	}
	prometheus.MustRegister(
		m.indexedBlocks,
		m.committedTxs,
		m.lastIndexed,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subscope",
			Name:      "pool_connected_clients",
			Help:      "Pool clients holding a live session.",
		}, func() float64 { return float64(p.ConnectedCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subscope",
			Name:      "live_subscribers",
			Help:      "Connections registered on the broadcaster.",
		}, func() float64 { return float64(b.SubscriberCount()) }),
	)
	return m
}

// run observes the indexer feeds and keeps the counters current.
func (m *metrics) run(ctx context.Context, idx *indexer.Indexer) error {
	detailsSub := idx.BlockDetails().Subscribe()
	defer detailsSub.Unsubscribe()
	txSub := idx.Transactions().Subscribe()
	defer txSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-detailsSub.Recv():
			if !ok {
				return nil
			}
			m.indexedBlocks.Inc()
			m.lastIndexed.Set(float64(record.Number))
		case _, ok := <-txSub.Recv():
			if !ok {
				return nil
			}
			m.committedTxs.Inc()
		}
	}
}
