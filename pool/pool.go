package pool

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subscope/subscope/chain"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/utils"
)

const (
	// DefaultSize caps outbound RPC parallelism across the service.
	DefaultSize = 5

	drainTimeout = 30 * time.Second
)

// Pool is a fixed-size set of chain clients plus a primary client whose
// lifetime matches the service. Acquire dispatches round-robin over the
// connected subset and never blocks; the primary is the fallback when
// nothing is connected. ChangeEndpoint swaps the whole set atomically:
// readers observe either the old set or the new one, never a mix.
type Pool struct {
	log         utils.SimpleLogger
	size        int
	dialTimeout time.Duration

	swapMu sync.Mutex // serializes ChangeEndpoint

	mu       sync.RWMutex
	endpoint string
	clients  []*chain.Client
	primary  *chain.Client

	next uint64
	ops  opSet
}

func New(endpoint string, size int, dialTimeout time.Duration, log utils.SimpleLogger) (*Pool, error) {
	if !ValidEndpoint(endpoint) {
		return nil, core.BadRequestf("rpc endpoint must be ws:// or wss://, got %q", endpoint)
	}
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		log:         log,
		size:        size,
		dialTimeout: dialTimeout,
	}
	p.endpoint = endpoint
	p.primary = chain.New(endpoint, log, chain.WithDialTimeout(dialTimeout))
	p.clients = p.buildClients(endpoint)
	return p, nil
}

// ValidEndpoint reports whether url is an acceptable node endpoint.
func ValidEndpoint(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

func (p *Pool) buildClients(endpoint string) []*chain.Client {
	clients := make([]*chain.Client, p.size)
	for i := range clients {
		clients[i] = chain.New(endpoint, p.log, chain.WithDialTimeout(p.dialTimeout))
	}
	return clients
}

func (p *Pool) Endpoint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint
}

// Primary returns the long-lived fallback client.
func (p *Pool) Primary() *chain.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

// Acquire returns the i-th pool client by round-robin index, preferring the
// connected subset. With nothing connected it falls back to the primary.
func (p *Pool) Acquire(i uint64) *chain.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	connected := make([]*chain.Client, 0, len(p.clients))
	for _, client := range p.clients {
		if client.Connected() {
			connected = append(connected, client)
		}
	}
	if len(connected) == 0 {
		return p.primary
	}
	return connected[i%uint64(len(connected))]
}

// Next acquires the next client in round-robin order.
func (p *Pool) Next() *chain.Client {
	return p.Acquire(atomic.AddUint64(&p.next, 1))
}

// Size reports the configured client count.
func (p *Pool) Size() int {
	return p.size
}

// ConnectedCount reports how many pool clients currently hold a session.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, client := range p.clients {
		if client.Connected() {
			n++
		}
	}
	return n
}

// Track registers an in-flight operation on the pool. ChangeEndpoint waits
// for tracked operations to finish before tearing clients down. The returned
// release function must be called exactly once.
func (p *Pool) Track() func() {
	return p.ops.track()
}

// ChangeEndpoint tears down every client and rebuilds against url.
// Invocations are serialized; a later caller blocks behind the in-progress
// change and then observes the already-updated endpoint. In-flight tracked
// operations get up to 30 s to drain; the swap proceeds regardless after
// that.
func (p *Pool) ChangeEndpoint(url string) error {
	if !ValidEndpoint(url) {
		return core.BadRequestf("rpc endpoint must be ws:// or wss://, got %q", url)
	}

	p.swapMu.Lock()
	defer p.swapMu.Unlock()

	p.mu.RLock()
	current := p.endpoint
	p.mu.RUnlock()
	if current == url {
		return nil
	}

	p.log.Infow("Changing RPC endpoint", "from", current, "to", url)
	if !p.ops.waitIdle(drainTimeout) {
		p.log.Warnw("In-flight operations did not drain, proceeding with swap", "timeout", drainTimeout)
	}

	newPrimary := chain.New(url, p.log, chain.WithDialTimeout(p.dialTimeout))
	newClients := p.buildClients(url)

	p.mu.Lock()
	oldPrimary := p.primary
	oldClients := p.clients
	p.endpoint = url
	p.primary = newPrimary
	p.clients = newClients
	p.mu.Unlock()

	oldPrimary.Close()
	for _, client := range oldClients {
		client.Close()
	}
	return nil
}

// Close tears down the pool and the primary.
func (p *Pool) Close() error {
	p.swapMu.Lock()
	defer p.swapMu.Unlock()
	p.mu.Lock()
	clients := p.clients
	primary := p.primary
	p.clients = nil
	p.primary = nil
	p.mu.Unlock()
	for _, client := range clients {
		client.Close()
	}
	if primary != nil {
		primary.Close()
	}
	return nil
}

// opSet counts in-flight operations and lets a waiter block until the count
// reaches zero or a deadline passes.
type opSet struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (s *opSet) track() func() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.n--
			if s.n == 0 && s.idle != nil {
				close(s.idle)
				s.idle = nil
			}
			s.mu.Unlock()
		})
	}
}

func (s *opSet) waitIdle(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.n == 0 {
			s.mu.Unlock()
			return true
		}
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-deadline.C:
			return false
		}
	}
}
