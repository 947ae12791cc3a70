package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/internal/clock"
	"beaverdb/substrate"
)

func newTestChannel(t *testing.T, name string) *Channel {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := New(db, name)
	require.NoError(t, err)
	return c
}

func TestPublishAndSince(t *testing.T) {
	c := newTestChannel(t, "topic")
	ctx := context.Background()
	before := clock.NowSeconds()
	_, err := c.Publish(ctx, "hello")
	require.NoError(t, err)

	msgs, err := c.Since(ctx, before)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Data)
}

func TestSubscribeDeliversFuturePublishes(t *testing.T) {
	c := newTestChannel(t, "topic")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, 5*time.Millisecond, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = c.Publish(context.Background(), "world")
	require.NoError(t, err)

	select {
	case m := <-ch:
		assert.Equal(t, "world", m.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed message")
	}
}

func TestSubscribeWithSinceReplaysBacklog(t *testing.T) {
	c := newTestChannel(t, "topic")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := clock.NowSeconds() - 1
	_, err := c.Publish(context.Background(), "backlog")
	require.NoError(t, err)

	ch, err := c.Subscribe(ctx, 5*time.Millisecond, &before)
	require.NoError(t, err)

	select {
	case m := <-ch:
		assert.Equal(t, "backlog", m.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed backlog message")
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	c := newTestChannel(t, "topic")
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Subscribe(ctx, 5*time.Millisecond, nil)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancellation")
	}
}
