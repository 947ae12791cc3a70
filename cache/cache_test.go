package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/substrate"
	"beaverdb/versions"
)

func newTestCache(t *testing.T, interval time.Duration) (*Local, *versions.Registry, func()) {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	reg := versions.New(db)
	c := New("dict:things", reg, interval)
	return c, reg, func() { db.Close() }
}

func TestSetGetPop(t *testing.T) {
	c, _, cleanup := newTestCache(t, time.Hour)
	defer cleanup()

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	popped, ok := c.Pop("k")
	require.True(t, ok)
	assert.Equal(t, "v", popped)

	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestInvalidatesOnVersionDrift(t *testing.T) {
	c, reg, cleanup := newTestCache(t, 0) // zero interval -> always revalidate
	defer cleanup()
	ctx := context.Background()

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	// Someone else bumps the namespace version out from under us.
	_, err := reg.Bump(ctx, "dict:things")
	require.NoError(t, err)

	_, ok = c.Get("k")
	assert.False(t, ok, "cache should have cleared on version drift")
	assert.Equal(t, int64(1), c.Stats().Invalidations)
}

func TestTouchSurvivesOwnWrite(t *testing.T) {
	c, _, cleanup := newTestCache(t, 0)
	defer cleanup()
	ctx := context.Background()

	c.Set("k", "v")
	_, err := c.Touch(ctx, "dict:things")
	require.NoError(t, err)

	v, ok := c.Get("k")
	require.True(t, ok, "Touch should sync local version so the writer's own cache survives")
	assert.Equal(t, "v", v)
}

func TestCachedHelper(t *testing.T) {
	c, _, cleanup := newTestCache(t, time.Hour)
	defer cleanup()

	calls := 0
	load := func() (string, error) {
		calls++
		return "computed", nil
	}

	v, err := Cached(c, "x", load)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)

	v, err = Cached(c, "x", load)
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls, "second call should hit the cache")
}

func TestInvalidateHelperAlwaysPops(t *testing.T) {
	c, _, cleanup := newTestCache(t, time.Hour)
	defer cleanup()
	c.Set("x", "v")

	err := Invalidate(c, "x", func() error { return assert.AnError })
	assert.Error(t, err)

	_, ok := c.Get("x")
	assert.False(t, ok)
}

func TestDummyCacheAlwaysMisses(t *testing.T) {
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	defer db.Close()

	d := NewDummy(versions.New(db))
	d.Set("k", "v")
	_, ok := d.Get("k")
	assert.False(t, ok)
}
