package dicts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/cache"
	"beaverdb/internal/errs"
	"beaverdb/substrate"
	"beaverdb/versions"
)

func newTestDict(t *testing.T, name string) *Dict {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := cache.New("dict:"+name, versions.New(db), time.Hour)
	d, err := New(db, name, c)
	require.NoError(t, err)
	return d
}

func TestSetGetRoundTrip(t *testing.T) {
	d := newTestDict(t, "c")
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "k", "v", 0))
	v, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, d.Set(ctx, "k", "v2", 0))
	v, err = d.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

// TestDictTTL: set with a 30ms ttl, immediate get succeeds, and once the ttl
// has elapsed get reports the key absent and Len no longer counts it.
func TestDictTTL(t *testing.T) {
	d := newTestDict(t, "c")
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "k", "v", 30*time.Millisecond))
	v, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	time.Sleep(40 * time.Millisecond)
	_, err = d.Get(ctx, "k")
	assert.ErrorIs(t, err, errs.ErrKeyAbsent)

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetRejectsNegativeTTL(t *testing.T) {
	d := newTestDict(t, "c")
	err := d.Set(context.Background(), "k", "v", -time.Second)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDeleteAndContains(t *testing.T) {
	d := newTestDict(t, "c")
	ctx := context.Background()
	require.NoError(t, d.Set(ctx, "k", 1, 0))

	ok, err := d.Contains(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.Delete(ctx, "k"))
	ok, err = d.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPopReturnsAndRemoves(t *testing.T) {
	d := newTestDict(t, "c")
	ctx := context.Background()
	require.NoError(t, d.Set(ctx, "k", "v", 0))

	v, err := d.Pop(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = d.Get(ctx, "k")
	assert.ErrorIs(t, err, errs.ErrKeyAbsent)
}

func TestItemsKeysValues(t *testing.T) {
	d := newTestDict(t, "c")
	ctx := context.Background()
	require.NoError(t, d.Set(ctx, "a", 1.0, 0))
	require.NoError(t, d.Set(ctx, "b", 2.0, 0))

	items, err := d.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, items)

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	values, err := d.Values(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{1.0, 2.0}, values)
}

func TestGetDefaultOnAbsence(t *testing.T) {
	d := newTestDict(t, "c")
	assert.Equal(t, "fallback", d.GetDefault(context.Background(), "missing", "fallback"))
}
