package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/feed"
	"github.com/subscope/subscope/utils"
	"nhooyr.io/websocket"
)

const (
	maxReadLimit           = 32 * 1024 * 1024 // decoded metadata blobs are large
	defaultDialTimeout     = 30 * time.Second
	unsubscribeTimeout     = time.Second
	maxOrphanNotifications = 8
)

// Client owns one WebSocket JSON-RPC session against a Substrate node. All
// typed reads multiplex over the single connection; the read loop routes
// responses by request id and subscription notifications by subscription id.
// Reconnection is automatic with exponential backoff and jitter; requests
// outstanding at disconnect fail with an unavailable error and are never
// retried by the client.
type Client struct {
	endpoint    string
	log         utils.SimpleLogger
	dialTimeout time.Duration

	states *feed.Feed[ConnState]

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan *rpcMessage
	subs    map[string]*headStream
	orphans map[string][]json.RawMessage
	nextID  uint64

	runtime runtimeCache

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// Option tweaks client construction.
type Option func(*Client)

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// New dials endpoint in the background and keeps the session alive until
// Close. Reads issued before the first successful dial fail unavailable.
func New(endpoint string, log utils.SimpleLogger, opts ...Option) *Client {
	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Client{
		endpoint:    endpoint,
		log:         log,
		dialTimeout: defaultDialTimeout,
		states:      feed.New[ConnState](),
		pending:     make(map[uint64]chan *rpcMessage),
		subs:        make(map[string]*headStream),
		orphans:     make(map[string][]json.RawMessage),
		nextID:      1,
		runCancel:   runCancel,
		runDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run(runCtx)
	return c
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// States exposes connection transitions as a feed of ConnState.
func (c *Client) States() *feed.Feed[ConnState] {
	return c.states
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	c.runCancel()
	<-c.runDone
	c.states.Tear()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.runDone)
	defer c.teardown()

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // keep retrying until Close
	retry.MaxInterval = time.Minute

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.states.Send(StateError)
			wait := retry.NextBackOff()
			c.log.Warnw("Dial failed, backing off", "endpoint", c.endpoint, "wait", wait, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}
		retry.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.states.Send(StateConnected)
		c.log.Infow("Connected to node", "endpoint", c.endpoint)

		readErr := c.readLoop(ctx, conn)
		c.failInflight()
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.states.Send(StateDisconnected)
		c.log.Warnw("Connection lost", "endpoint", c.endpoint, "err", readErr)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.endpoint, nil) //nolint:bodyclose
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxReadLimit)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg := new(rpcMessage)
		if err := json.Unmarshal(data, msg); err != nil {
			c.log.Warnw("Dropping malformed message", "err", err)
			continue
		}
		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.Params != nil:
			c.mu.Lock()
			stream, ok := c.subs[msg.Params.Subscription]
			if !ok {
				// The subscribe response may still be in flight to its
				// caller; stash the notification until the stream registers.
				if stash := c.orphans[msg.Params.Subscription]; len(stash) < maxOrphanNotifications {
					c.orphans[msg.Params.Subscription] = append(stash, msg.Params.Result)
				}
			}
			c.mu.Unlock()
			if ok {
				stream.deliver(msg.Params.Result)
			}
		}
	}
}

// failInflight drops the dead connection and fails every outstanding request
// and subscription. Callers observe an unavailable error; the retry decision
// is theirs.
func (c *Client) failInflight() {
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]chan *rpcMessage)
	c.subs = make(map[string]*headStream)
	c.orphans = make(map[string][]json.RawMessage)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, stream := range subs {
		stream.connLost()
	}
}

func (c *Client) teardown() {
	c.failInflight()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	ch := make(chan *rpcMessage, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, core.Unavailablef("not connected to %s", c.endpoint)
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = ch
	c.mu.Unlock()

	req, err := json.Marshal(rpcRequest{Version: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, core.WrapError(core.KindInternal, err, "marshaling request")
	}
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		c.dropPending(id)
		return nil, core.WrapError(core.KindUnavailable, err, method)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, core.WrapError(core.KindTimeout, ctx.Err(), method)
	case msg, ok := <-ch:
		if !ok {
			return nil, core.Unavailablef("%s: connection lost", method)
		}
		if msg.Error != nil {
			return nil, core.WrapError(core.KindInternal, msg.Error, method)
		}
		return msg.Result, nil
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Header returns the block header at hash at, or the tip header if at is
// empty. The returned header carries its resolved hash.
func (c *Client) Header(ctx context.Context, at string) (core.Header, error) {
	params := []any{}
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "chain_getHeader", params...)
	if err != nil {
		return core.Header{}, err
	}
	if isNullResult(raw) {
		return core.Header{}, core.NotFoundf("header %s", at)
	}
	var enc encodedHeader
	if err := json.Unmarshal(raw, &enc); err != nil {
		return core.Header{}, core.WrapError(core.KindDecode, err, "chain_getHeader")
	}
	header, err := enc.decode()
	if err != nil {
		return core.Header{}, err
	}
	if at != "" {
		header.Hash, err = core.NormalizeHash(at)
	} else {
		header.Hash, err = c.BlockHash(ctx, header.Number)
	}
	if err != nil {
		return core.Header{}, err
	}
	return header, nil
}

// BlockHash resolves a block number to its hash. Numbers beyond the tip or
// before retention come back null from the node and surface as not found.
func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	raw, err := c.call(ctx, "chain_getBlockHash", number)
	if err != nil {
		return "", err
	}
	if isNullResult(raw) {
		return "", core.NotFoundf("block %d", number)
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", core.WrapError(core.KindDecode, err, "chain_getBlockHash")
	}
	return core.NormalizeHash(hash)
}

// Block fetches the signed block at hash and decodes its extrinsics. Events
// are fetched separately via EventsAt.
func (c *Client) Block(ctx context.Context, hash string) (core.Header, []*core.Extrinsic, error) {
	raw, err := c.call(ctx, "chain_getBlock", hash)
	if err != nil {
		return core.Header{}, nil, err
	}
	if isNullResult(raw) {
		return core.Header{}, nil, core.NotFoundf("block %s", hash)
	}
	var enc encodedBlock
	if err := json.Unmarshal(raw, &enc); err != nil {
		return core.Header{}, nil, core.WrapError(core.KindDecode, err, "chain_getBlock")
	}
	header, err := enc.Block.Header.decode()
	if err != nil {
		return core.Header{}, nil, err
	}
	header.Hash, err = core.NormalizeHash(hash)
	if err != nil {
		return core.Header{}, nil, err
	}
	extrinsics, err := c.decodeExtrinsics(ctx, header.Hash, enc.Block.Extrinsics)
	if err != nil {
		return core.Header{}, nil, err
	}
	return header, extrinsics, nil
}

// SubscribeNewHeads opens a chain_subscribeNewHeads stream.
func (c *Client) SubscribeNewHeads(ctx context.Context) (*HeadsSubscription, error) {
	return c.subscribeHeads(ctx, "chain_subscribeNewHeads", "chain_unsubscribeNewHeads")
}

// SubscribeFinalizedHeads opens a chain_subscribeFinalizedHeads stream.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (*HeadsSubscription, error) {
	return c.subscribeHeads(ctx, "chain_subscribeFinalizedHeads", "chain_unsubscribeFinalizedHeads")
}

func (c *Client) subscribeHeads(ctx context.Context, method, unsubMethod string) (*HeadsSubscription, error) {
	raw, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	subID, err := decodeSubscriptionID(raw)
	if err != nil {
		return nil, core.WrapError(core.KindDecode, err, method)
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream := &headStream{
		id:     subID,
		raw:    make(chan json.RawMessage, 16),
		out:    make(chan Head, 16),
		cancel: streamCancel,
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[subID] = stream
	stashed := c.orphans[subID]
	delete(c.orphans, subID)
	c.mu.Unlock()
	for _, raw := range stashed {
		stream.deliver(raw)
	}

	go c.resolveHeads(streamCtx, stream)

	return &HeadsSubscription{
		client:      c,
		stream:      stream,
		unsubMethod: unsubMethod,
	}, nil
}

// resolveHeads turns raw header notifications into (number, hash) pairs. Head
// notifications do not carry the block hash, so each one costs a
// chain_getBlockHash round-trip on the same session.
func (c *Client) resolveHeads(ctx context.Context, stream *headStream) {
	defer close(stream.done)
	defer close(stream.out)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-stream.raw:
			if !ok {
				return
			}
			var enc encodedHeader
			if err := json.Unmarshal(raw, &enc); err != nil {
				c.log.Warnw("Dropping malformed head notification", "err", err)
				continue
			}
			number, err := parseHexUint(enc.Number)
			if err != nil {
				c.log.Warnw("Dropping head with malformed number", "number", enc.Number, "err", err)
				continue
			}
			hash, err := c.BlockHash(ctx, number)
			if err != nil {
				c.log.Warnw("Failed resolving head hash", "number", number, "err", err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case stream.out <- Head{Number: number, Hash: hash}:
			}
		}
	}
}

type headStream struct {
	id     string
	raw    chan json.RawMessage
	out    chan Head
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *headStream) deliver(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.raw <- raw:
	default:
		// The resolver is behind; the next notification supersedes this one.
	}
}

func (s *headStream) connLost() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.raw)
	}
	s.mu.Unlock()
	s.cancel()
}

// HeadsSubscription is the cancellation handle of a head stream. The Recv
// channel closes when the subscription ends for any reason, including
// connection loss; consumers must tolerate gaps.
type HeadsSubscription struct {
	client      *Client
	stream      *headStream
	unsubMethod string
	once        sync.Once
}

func (s *HeadsSubscription) Recv() <-chan Head {
	return s.stream.out
}

// Unsubscribe cancels the stream and releases the server-side subscription
// within a bounded time.
func (s *HeadsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		_, registered := s.client.subs[s.stream.id]
		delete(s.client.subs, s.stream.id)
		s.client.mu.Unlock()

		s.stream.connLost()
		<-s.stream.done

		if registered {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer cancel()
			if _, err := s.client.call(ctx, s.unsubMethod, s.stream.id); err != nil {
				s.client.log.Debugw("Unsubscribe failed", "method", s.unsubMethod, "err", err)
			}
		}
	})
}

func decodeSubscriptionID(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", asNumber), nil
}

func isNullResult(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
