package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/internal/errs"
	"beaverdb/substrate"
)

func newTestDB(t *testing.T) *substrate.DB {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertDoc(t *testing.T, db *substrate.DB, collection, id string, vector []float64) {
	t.Helper()
	conn, err := db.SQL()
	require.NoError(t, err)
	_, err = conn.Exec(`
		INSERT INTO beaver_collections (collection, item_id, item_vector, metadata) VALUES (?, ?, ?, '{}')
	`, collection, id, EncodeVector(vector))
	require.NoError(t, err)
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	v := []float64{1.5, -2.25, 3.0}
	decoded, err := decodeVector(EncodeVector(v))
	require.NoError(t, err)
	for i := range v {
		assert.InDelta(t, v[i], decoded[i], 1e-6)
	}
}

func TestDecodeVectorRejectsUnalignedLength(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errs.ErrCorruption)
}

func TestSearchFullReloadFindsNearest(t *testing.T) {
	db := newTestDB(t)
	insertDoc(t, db, "docs", "a", []float64{0, 0})
	insertDoc(t, db, "docs", "b", []float64{10, 10})

	idx, err := New(db, "docs", nil)
	require.NoError(t, err)

	matches, err := idx.Search(context.Background(), []float64{0.1, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	db := newTestDB(t)
	insertDoc(t, db, "docs", "a", []float64{0, 0})
	idx, err := New(db, "docs", nil)
	require.NoError(t, err)
	_, err = idx.Search(context.Background(), []float64{0.1, 0.1}, 1)
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), []float64{0.1, 0.1, 0.1}, 1)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
}

func TestNotifyInsertFastPathSkipsSync(t *testing.T) {
	db := newTestDB(t)
	idx, err := New(db, "docs", nil)
	require.NoError(t, err)

	require.NoError(t, idx.NotifyInsert(1, "fresh", []float64{1, 1}))
	matches, err := idx.Search(context.Background(), []float64{1, 1}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fresh", matches[0].ID)
}

func TestNotifyDeleteTombstonesAndRemovesFromDelta(t *testing.T) {
	db := newTestDB(t)
	idx, err := New(db, "docs", nil)
	require.NoError(t, err)

	require.NoError(t, idx.NotifyInsert(1, "a", []float64{1, 1}))
	idx.NotifyDelete(2, "a")

	matches, err := idx.Search(context.Background(), []float64{1, 1}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCosineMetricRanksDirectionOverMagnitude(t *testing.T) {
	d1 := Cosine([]float64{1, 0}, []float64{1, 0})
	d2 := Cosine([]float64{1, 0}, []float64{0, 1})
	assert.Less(t, d1, d2)
}

func TestDotProductMetricFavorsLargerDot(t *testing.T) {
	closer := DotProduct([]float64{1, 1}, []float64{10, 10})
	farther := DotProduct([]float64{1, 1}, []float64{1, 1})
	assert.Less(t, closer, farther)
}

func TestCompactBumpsBaseVersionAndClearsLog(t *testing.T) {
	db := newTestDB(t)
	insertDoc(t, db, "docs", "a", []float64{0, 0})
	idx, err := New(db, "docs", nil)
	require.NoError(t, err)

	require.NoError(t, idx.NotifyInsert(1, "b", []float64{1, 1}))
	require.NoError(t, idx.Compact(context.Background()))

	conn, err := db.SQL()
	require.NoError(t, err)
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM _vector_change_log WHERE collection_name = 'docs'`).Scan(&n))
	assert.Equal(t, 0, n)
}
