package collections

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

func newTestCollection(t *testing.T, name string) *Collection {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := cache.New("collection:"+name, versions.New(db), time.Hour)
	col, err := New(db, name, c)
	require.NoError(t, err)
	return col
}

func TestIndexAssignsIDWhenAbsent(t *testing.T) {
	col := newTestCollection(t, "docs")
	id, err := col.Index(context.Background(), Doc{Fields: map[string]any{"title": "hello world"}}, true, false)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestIndexThenDropRemovesEverything(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	id, err := col.Index(ctx, Doc{ID: "d1", Fields: map[string]any{"title": "hello"}}, true, false)
	require.NoError(t, err)

	require.NoError(t, col.Drop(ctx, id))

	docs, err := col.Iter(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDropMissingFails(t *testing.T) {
	col := newTestCollection(t, "docs")
	err := col.Drop(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrKeyAbsent)
}

func TestMatchFTSFindsIndexedField(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	_, err := col.Index(ctx, Doc{ID: "d1", Fields: map[string]any{"title": "the quick brown fox"}}, true, false)
	require.NoError(t, err)

	hits, err := col.Match(ctx, "quick", nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ItemID)
}

func TestMatchFuzzyRanksByTrigramOverlap(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	_, err := col.Index(ctx, Doc{ID: "d1", Fields: map[string]any{"title": "hello world"}}, true, true)
	require.NoError(t, err)
	_, err = col.Index(ctx, Doc{ID: "d2", Fields: map[string]any{"title": "goodbye"}}, true, true)
	require.NoError(t, err)

	hits, err := col.Match(ctx, "hello wrld", nil, 10, 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d1", hits[0].ItemID)
}

func TestSearchDelegatesToVectorIndex(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	_, err := col.Index(ctx, Doc{ID: "d1", Fields: map[string]any{"title": "a"}, Vector: []float64{0, 0}}, false, false)
	require.NoError(t, err)
	_, err = col.Index(ctx, Doc{ID: "d2", Fields: map[string]any{"title": "b"}, Vector: []float64{9, 9}}, false, false)
	require.NoError(t, err)

	matches, err := col.Search(ctx, []float64{0.5, 0.5}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d1", matches[0].ID)
}

func TestConnectAndNeighbors(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	require.NoError(t, col.Connect(ctx, "a", "b", "likes", nil))
	require.NoError(t, col.Connect(ctx, "a", "c", "follows", nil))

	all, err := col.Neighbors(ctx, "a", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, all)

	filtered, err := col.Neighbors(ctx, "a", "likes")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, filtered)
}

func TestWalkOutgoingBFS(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	require.NoError(t, col.Connect(ctx, "a", "b", "edge", nil))
	require.NoError(t, col.Connect(ctx, "b", "c", "edge", nil))

	reached, err := col.Walk(ctx, "a", []string{"edge"}, 2, Outgoing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, reached)
}

func TestWalkIncomingDirection(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	require.NoError(t, col.Connect(ctx, "a", "b", "edge", nil))

	reached, err := col.Walk(ctx, "b", []string{"edge"}, 1, Incoming)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reached)
}

func TestRerankFusesByReciprocalRank(t *testing.T) {
	fused := Rerank([][]string{{"a", "b", "c"}, {"b", "a"}}, []float64{1, 1}, 60)
	require.NotEmpty(t, fused)
	assert.Equal(t, "a", fused[0])
}

func TestDetectCycleFindsCycle(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	require.NoError(t, col.Connect(ctx, "a", "b", "dep", nil))
	require.NoError(t, col.Connect(ctx, "b", "a", "dep", nil))

	err := col.DetectCycle(ctx, []string{"dep"})
	assert.Error(t, err)
}

func TestTopoOrderRespectsEdges(t *testing.T) {
	col := newTestCollection(t, "docs")
	ctx := context.Background()
	require.NoError(t, col.Connect(ctx, "a", "b", "dep", nil))
	require.NoError(t, col.Connect(ctx, "b", "c", "dep", nil))

	order, err := col.TopoOrder(ctx, []string{"dep"})
	require.NoError(t, err)
	posA, posB, posC := indexOf(order, "a"), indexOf(order, "b"), indexOf(order, "c")
	assert.True(t, posA < posB)
	assert.True(t, posB < posC)
}

func indexOf(xs []string, target string) int {
	for i, x := range xs {
		if x == target {
			return i
		}
	}
	return -1
}
