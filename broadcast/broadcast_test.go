package broadcast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/broadcast"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/utils"
)

func drain(sub *broadcast.Subscriber) []broadcast.Message {
	var msgs []broadcast.Message
	for {
		select {
		case msg := <-sub.Recv():
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// Publishing tx.new with a signer reaches the transactions room and the
// signer's address room, and no other address room.
func TestTransactionFanout(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())

	txWatcher := b.Register()
	defer b.Unregister(txWatcher)
	aWatcher := b.Register()
	defer b.Unregister(aWatcher)
	bWatcher := b.Register()
	defer b.Unregister(bWatcher)

	b.Join(txWatcher, broadcast.RoomTransactions)
	b.Join(aWatcher, broadcast.AddressRoom("A"))
	b.Join(bWatcher, broadcast.AddressRoom("B"))

	b.PublishTx(core.TxSeen{Hash: "0xH", Signer: "A"})

	txMsgs := drain(txWatcher)
	require.Len(t, txMsgs, 1)
	assert.Equal(t, "blockchain:newTransaction", txMsgs[0].Event)

	aMsgs := drain(aWatcher)
	require.Len(t, aMsgs, 1)
	assert.Equal(t, "blockchain:newTransaction", aMsgs[0].Event)

	assert.Empty(t, drain(bWatcher))
}

// A connection in both matching rooms still receives exactly one copy.
func TestTransactionFanoutDeduplicates(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())
	sub := b.Register()
	defer b.Unregister(sub)

	b.Join(sub, broadcast.RoomTransactions)
	b.Join(sub, broadcast.AddressRoom("A"))

	b.PublishTx(core.TxSeen{Hash: "0xH", Signer: "A"})
	assert.Len(t, drain(sub), 1)
}

func TestParticipantAddressRooms(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())
	participant := b.Register()
	defer b.Unregister(participant)
	b.Join(participant, broadcast.AddressRoom("P"))

	b.PublishTx(core.TxSeen{Hash: "0xH", Signer: "A", Participants: []string{"P"}})

	msgs := drain(participant)
	require.Len(t, msgs, 1)
	assert.Equal(t, "blockchain:addressTransaction", msgs[0].Event)
}

func TestJoinLeave(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())
	sub := b.Register()
	defer b.Unregister(sub)

	b.Join(sub, broadcast.RoomBlocks)
	assert.Equal(t, 1, b.RoomCount(broadcast.RoomBlocks))

	b.Leave(sub, broadcast.RoomBlocks)
	assert.Equal(t, 0, b.RoomCount(broadcast.RoomBlocks))
}

func TestUnregisterLeavesRoomsAndClosesChannel(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())
	sub := b.Register()
	b.Join(sub, broadcast.RoomBlocks)

	b.Unregister(sub)
	assert.Equal(t, 0, b.RoomCount(broadcast.RoomBlocks))
	_, ok := <-sub.Recv()
	assert.False(t, ok)

	// Double unregister must not panic.
	b.Unregister(sub)
}

// A subscriber that stopped draining loses messages silently; the fanout
// never blocks.
func TestSlowSubscriberDropsSilently(t *testing.T) {
	b := broadcast.New(utils.NewNopZapLogger())
	sub := b.Register()
	defer b.Unregister(sub)
	b.Join(sub, broadcast.RoomTransactions)

	for i := 0; i < 200; i++ {
		b.PublishTx(core.TxSeen{Hash: "0xH", Signer: "A"})
	}
	assert.Greater(t, sub.Drops(), uint64(0))
	assert.NotEmpty(t, drain(sub))
}
