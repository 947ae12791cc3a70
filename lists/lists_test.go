package lists

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

func newTestList(t *testing.T, name string) *List {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := cache.New("list:"+name, versions.New(db), time.Hour)
	l, err := New(db, name, c)
	require.NoError(t, err)
	return l
}

func TestPushAndIterOrder(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	require.NoError(t, l.Push(ctx, "b"))
	require.NoError(t, l.Push(ctx, "c"))

	items, err := l.Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
}

func TestPrependPutsAtHead(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "b"))
	require.NoError(t, l.Prepend(ctx, "a"))

	items, err := l.Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)
}

func TestInsertAtMiddle(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	require.NoError(t, l.Push(ctx, "c"))
	require.NoError(t, l.Insert(ctx, 1, "b"))

	items, err := l.Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
}

func TestPopAndDequeue(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	require.NoError(t, l.Push(ctx, "b"))
	require.NoError(t, l.Push(ctx, "c"))

	v, err := l.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	v, err = l.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	items, err := l.Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, items)
}

func TestPopOnEmptyListFails(t *testing.T) {
	l := newTestList(t, "l")
	_, err := l.Pop(context.Background())
	assert.ErrorIs(t, err, errs.ErrEmpty)
}

func TestGetSetDeleteWithNegativeIndices(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	require.NoError(t, l.Push(ctx, "b"))
	require.NoError(t, l.Push(ctx, "c"))

	v, err := l.Get(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	require.NoError(t, l.Set(ctx, -1, "z"))
	v, err = l.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "z", v)

	require.NoError(t, l.Delete(ctx, 0))
	items, err := l.Iter(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "z"}, items)
}

func TestGetOutOfRange(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	_, err := l.Get(ctx, 5)
	assert.ErrorIs(t, err, errs.ErrIndexOutOfRange)
}

func TestSliceRejectsNonUnitStep(t *testing.T) {
	l := newTestList(t, "l")
	_, err := l.Slice(context.Background(), 0, 1, 2)
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestSliceRange(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Push(ctx, v))
	}
	out, err := l.Slice(ctx, 1, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c"}, out)
}

func TestContains(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))

	ok, err := l.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Contains(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	l := newTestList(t, "l")
	ctx := context.Background()
	require.NoError(t, l.Push(ctx, "a"))
	require.NoError(t, l.Clear(ctx))

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
