package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/utils"
	"github.com/subscope/subscope/watcher"
)

func TestWatcherIdleUntilSubscribed(t *testing.T) {
	log := utils.NewNopZapLogger()
	p, err := pool.New("ws://127.0.0.1:1", 1, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	w := watcher.New(p, log)
	assert.True(t, w.Idle())
}

func TestWatcherStopsOnCancel(t *testing.T) {
	log := utils.NewNopZapLogger()
	p, err := pool.New("ws://127.0.0.1:1", 1, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	w := watcher.New(p, log)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
