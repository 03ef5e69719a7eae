package feed_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/feed"
)

func TestFeedDeliversToSubscribers(t *testing.T) {
	f := feed.New[int]()
	sub := f.Subscribe()
	defer sub.Unsubscribe()

	f.Send(7)
	select {
	case got := <-sub.Recv():
		assert.Equal(t, 7, got)
	case <-time.After(time.Second):
		t.Fatal("value not delivered")
	}
}

func TestFeedDropsWhenSubscriberIsFull(t *testing.T) {
	f := feed.New[int]()
	sub := f.Subscribe()
	defer sub.Unsubscribe()

	f.Send(1)
	f.Send(2) // buffer of one: dropped

	assert.Equal(t, 1, <-sub.Recv())
	select {
	case v := <-sub.Recv():
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestFeedKeepLastReplacesStaleValue(t *testing.T) {
	f := feed.New[int]()
	sub := f.SubscribeKeepLast()
	defer sub.Unsubscribe()

	f.Send(1)
	f.Send(2)
	f.Send(3)

	assert.Equal(t, 3, <-sub.Recv())
}

func TestFeedUnsubscribeClosesChannel(t *testing.T) {
	f := feed.New[int]()
	sub := f.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	_, ok := <-sub.Recv()
	require.False(t, ok)

	// Sends after unsubscribe must not panic.
	f.Send(1)
}

func TestFeedTearClosesEverySubscription(t *testing.T) {
	f := feed.New[int]()
	first := f.Subscribe()
	second := f.SubscribeKeepLast()

	f.Tear()
	_, ok := <-first.Recv()
	assert.False(t, ok)
	_, ok = <-second.Recv()
	assert.False(t, ok)

	// Subscriptions after teardown come back closed.
	late := f.Subscribe()
	_, ok = <-late.Recv()
	assert.False(t, ok)
}
