package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/utils"
	"github.com/subscope/subscope/watcher"
)

// Room names the fanout targets a connection can join.
type Room string

const (
	RoomBlocks       Room = "blocks"
	RoomTransactions Room = "transactions"

	subscriberBuffer = 64
)

// AddressRoom is the per-address room.
func AddressRoom(address string) Room {
	return Room("address:" + address)
}

// Message is one event pushed to a subscriber.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Subscriber is one live-channel connection's view of the broadcaster.
// Delivery is best-effort: a subscriber that stops draining its channel
// silently loses messages and never stalls the fanout.
type Subscriber struct {
	id    uint64
	ch    chan Message
	drops atomic.Uint64
}

func (s *Subscriber) Recv() <-chan Message {
	return s.ch
}

// Drops reports how many messages this subscriber lost to a full buffer.
func (s *Subscriber) Drops() uint64 {
	return s.drops.Load()
}

// Broadcaster fans indexer and watcher events out to room subscribers. The
// room table is read-mostly; joins and leaves take a short write lock.
type Broadcaster struct {
	log utils.SimpleLogger

	mu     sync.RWMutex
	rooms  map[Room]map[*Subscriber]struct{}
	joined map[*Subscriber]map[Room]struct{}
	nextID uint64
}

func New(log utils.SimpleLogger) *Broadcaster {
	return &Broadcaster{
		log:    log,
		rooms:  make(map[Room]map[*Subscriber]struct{}),
		joined: make(map[*Subscriber]map[Room]struct{}),
	}
}

// Register creates a subscriber that is in no rooms yet.
func (b *Broadcaster) Register() *Subscriber {
	sub := &Subscriber{
		ch: make(chan Message, subscriberBuffer),
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.joined[sub] = make(map[Room]struct{})
	b.mu.Unlock()
	return sub
}

// Unregister removes the subscriber from every room and closes its channel.
func (b *Broadcaster) Unregister(sub *Subscriber) {
	b.mu.Lock()
	rooms, ok := b.joined[sub]
	if ok {
		for room := range rooms {
			b.leaveLocked(sub, room)
		}
		delete(b.joined, sub)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

func (b *Broadcaster) Join(sub *Subscriber, room Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rooms, ok := b.joined[sub]
	if !ok {
		return
	}
	rooms[room] = struct{}{}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		b.rooms[room] = members
	}
	members[sub] = struct{}{}
}

func (b *Broadcaster) Leave(sub *Subscriber, room Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rooms, ok := b.joined[sub]; ok {
		delete(rooms, room)
	}
	b.leaveLocked(sub, room)
}

func (b *Broadcaster) leaveLocked(sub *Subscriber, room Room) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

// RoomCount reports how many subscribers a room currently has.
func (b *Broadcaster) RoomCount(room Room) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// SubscriberCount reports how many connections are registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.joined)
}

// publish delivers msg once to every subscriber present in any of the given
// rooms. A subscriber in several matching rooms still receives one copy.
func (b *Broadcaster) publish(msg Message, rooms ...Room) {
	b.mu.RLock()
	targets := make(map[*Subscriber]struct{})
	for _, room := range rooms {
		for sub := range b.rooms[room] {
			targets[sub] = struct{}{}
		}
	}
	b.mu.RUnlock()

	for sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			sub.drops.Add(1)
		}
	}
}

// Run consumes the watcher and indexer feeds and fans them out until ctx is
// done.
func (b *Broadcaster) Run(ctx context.Context, w *watcher.Watcher, idx *indexer.Indexer) error {
	seenSub := w.HeadsSeen().Subscribe()
	defer seenSub.Unsubscribe()
	finSub := w.HeadsFinalized().Subscribe()
	defer finSub.Unsubscribe()
	detailsSub := idx.BlockDetails().Subscribe()
	defer detailsSub.Unsubscribe()
	txSub := idx.Transactions().Subscribe()
	defer txSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-seenSub.Recv():
			if !ok {
				return nil
			}
			b.publish(Message{Event: "blockchain:newBlock", Payload: head}, RoomBlocks)
		case head, ok := <-finSub.Recv():
			if !ok {
				return nil
			}
			b.publish(Message{Event: "blockchain:blockFinalized", Payload: head}, RoomBlocks)
		case record, ok := <-detailsSub.Recv():
			if !ok {
				return nil
			}
			b.publish(Message{Event: "blockchain:blockDetails", Payload: blockDetailsPayload(record)}, RoomBlocks)
		case tx, ok := <-txSub.Recv():
			if !ok {
				return nil
			}
			b.PublishTx(tx)
		}
	}
}

// PublishTx fans a committed transaction to the transactions room and the
// signer's address room, then notifies each participant's address room.
func (b *Broadcaster) PublishTx(tx core.TxSeen) {
	msg := Message{Event: "blockchain:newTransaction", Payload: tx}
	rooms := []Room{RoomTransactions}
	if tx.Signer != "" {
		rooms = append(rooms, AddressRoom(tx.Signer))
	}
	b.publish(msg, rooms...)

	for _, address := range tx.Participants {
		b.publish(Message{
			Event: "blockchain:addressTransaction",
			Payload: map[string]any{
				"address":     address,
				"transaction": tx,
			},
		}, AddressRoom(address))
	}
}

func blockDetailsPayload(record *core.BlockRecord) map[string]any {
	return map[string]any{
		"number":          record.Number,
		"hash":            record.Hash,
		"timestamp":       record.Timestamp,
		"extrinsicsCount": len(record.Extrinsics),
		"eventsCount":     record.EventsCount(),
	}
}
