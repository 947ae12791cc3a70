// Package vectorindex implements the per-collection vector index: an
// in-memory, two-tier base/delta structure synchronized across processes
// through the shared _vector_change_log table, with pluggable distance
// metrics built on gonum's floats package.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"beaverdb/internal/errs"
	"beaverdb/locks"
	"beaverdb/substrate"
)

// Metric computes the distance between two equal-length vectors; lower is
// closer. The default is squared Euclidean; Cosine and DotProduct are
// supplemental selectable metrics.
type Metric func(a, b []float64) float64

// Euclidean is the squared L2 distance, the default metric.
func Euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine is 1 minus cosine similarity, so lower still means closer.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}

// DotProduct is the negated dot product, so that larger raw similarity
// still sorts as "closer" (lower distance) like the other metrics.
func DotProduct(a, b []float64) float64 {
	return -floats.Dot(a, b)
}

// Match is one search hit.
type Match struct {
	ID       string
	Distance float64
}

// Index is the per-collection vector index. A collection is a
// process-singleton that Search/Index/Drop can all reach concurrently from
// different goroutines, so mu guards every field below against concurrent
// mutation; Compact additionally takes its own dedicated inter-process lock
// for cross-process exclusion.
type Index struct {
	db         *substrate.DB
	collection string
	metric     Metric
	lock       *locks.Lock

	mu sync.Mutex

	dim int

	baseIDs []string
	base    [][]float64

	deltaIDs []string
	delta    [][]float64

	tombstones map[string]bool

	localBaseVersion uint64
	lastSeenLogID    int64
	initialized      bool
}

// New builds an Index for collection, using metric (Euclidean if nil).
func New(db *substrate.DB, collection string, metric Metric) (*Index, error) {
	if collection == "" {
		return nil, errs.ErrInvalidArgument
	}
	if metric == nil {
		metric = Euclidean
	}
	lock, err := locks.New(db, "__lock__vectorindex__"+collection, locks.Options{})
	if err != nil {
		return nil, err
	}
	return &Index{
		db:         db,
		collection: collection,
		metric:     metric,
		lock:       lock,
		tombstones: make(map[string]bool),
	}, nil
}

// decodeVector parses a little-endian float32, 4*d-byte payload.
func decodeVector(raw []byte) ([]float64, error) {
	if len(raw)%4 != 0 {
		return nil, errs.ErrCorruption
	}
	n := len(raw) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

// DecodeVector parses a little-endian float32, 4*d-byte payload, failing
// with errs.ErrCorruption if the length isn't a multiple of 4.
func DecodeVector(raw []byte) ([]float64, error) { return decodeVector(raw) }

// EncodeVector serializes v as little-endian float32 bytes.
func EncodeVector(v []float64) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(float32(x)))
	}
	return out
}

func (idx *Index) checkDimension(v []float64) error {
	if idx.dim == 0 {
		idx.dim = len(v)
		return nil
	}
	if len(v) != idx.dim {
		return errs.ErrDimensionMismatch
	}
	return nil
}

// checkAndSync reconciles this index's local view with the shared change
// log: full reload on base-version drift, else incremental delta
// application.
func (idx *Index) checkAndSync(ctx context.Context) error {
	conn, err := idx.db.SQL()
	if err != nil {
		return err
	}

	var baseVersion uint64
	row := conn.QueryRowContext(ctx, `SELECT base_version FROM beaver_collection_versions WHERE collection_name = ?`, idx.collection)
	if err := row.Scan(&baseVersion); err != nil && err != sql.ErrNoRows {
		return errs.Storage("vector index base version", err)
	}

	var maxLogID sql.NullInt64
	row = conn.QueryRowContext(ctx, `SELECT MAX(log_id) FROM _vector_change_log WHERE collection_name = ?`, idx.collection)
	if err := row.Scan(&maxLogID); err != nil {
		return errs.Storage("vector index max log id", err)
	}

	if !idx.initialized || idx.localBaseVersion < baseVersion {
		return idx.fullReload(ctx, conn, baseVersion, maxLogID)
	}
	if maxLogID.Valid && idx.lastSeenLogID < maxLogID.Int64 {
		return idx.applyDeltas(ctx, conn, maxLogID.Int64)
	}
	return nil
}

// fullReload rebuilds the base tier from the canonical document table. Any
// id with a vector column survives here; the collection engine deletes a
// document's row on drop, so a deleted document never reappears in a
// reload.
func (idx *Index) fullReload(ctx context.Context, conn *sql.DB, baseVersion uint64, maxLogID sql.NullInt64) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT item_id, item_vector FROM beaver_collections WHERE collection = ? AND item_vector IS NOT NULL
	`, idx.collection)
	if err != nil {
		return errs.Storage("vector index full reload", err)
	}
	defer rows.Close()

	var ids []string
	var vectors [][]float64
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return errs.Storage("vector index reload scan", err)
		}
		v, err := decodeVector(raw)
		if err != nil {
			return err
		}
		if err := idx.checkDimension(v); err != nil {
			return err
		}
		ids = append(ids, id)
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return errs.Storage("vector index reload rows", err)
	}

	idx.baseIDs = ids
	idx.base = vectors
	idx.deltaIDs = nil
	idx.delta = nil
	idx.tombstones = make(map[string]bool)
	idx.localBaseVersion = baseVersion
	idx.lastSeenLogID = 0
	if maxLogID.Valid {
		idx.lastSeenLogID = maxLogID.Int64
	}
	idx.initialized = true
	return nil
}

// applyDeltas walks change-log rows strictly after lastSeenLogID in
// ascending order, updating the delta tier and tombstone set.
func (idx *Index) applyDeltas(ctx context.Context, conn *sql.DB, maxLogID int64) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT log_id, item_id, operation_type FROM _vector_change_log
		WHERE collection_name = ? AND log_id > ? ORDER BY log_id ASC
	`, idx.collection, idx.lastSeenLogID)
	if err != nil {
		return errs.Storage("vector index apply deltas", err)
	}
	defer rows.Close()

	type op struct {
		logID int64
		id    string
		kind  int
	}
	var ops []op
	for rows.Next() {
		var o op
		if err := rows.Scan(&o.logID, &o.id, &o.kind); err != nil {
			return errs.Storage("vector index apply deltas scan", err)
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return errs.Storage("vector index apply deltas rows", err)
	}

	for _, o := range ops {
		switch o.kind {
		case substrate.VectorOpInsert:
			if err := idx.applyInsert(ctx, conn, o.id); err != nil {
				return err
			}
		case substrate.VectorOpDelete:
			idx.applyDelete(o.id)
		}
	}
	idx.lastSeenLogID = maxLogID
	return nil
}

func (idx *Index) applyInsert(ctx context.Context, conn *sql.DB, id string) error {
	var raw []byte
	row := conn.QueryRowContext(ctx, `SELECT item_vector FROM beaver_collections WHERE collection = ? AND item_id = ?`, idx.collection, id)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil // deleted again before we got here; the later DELETE log entry covers it
		}
		return errs.Storage("vector index apply insert", err)
	}
	v, err := decodeVector(raw)
	if err != nil {
		return err
	}
	if err := idx.checkDimension(v); err != nil {
		return err
	}
	idx.appendDelta(id, v)
	delete(idx.tombstones, id)
	return nil
}

func (idx *Index) applyDelete(id string) {
	idx.tombstones[id] = true
	idx.removeFromDelta(id)
}

func (idx *Index) appendDelta(id string, v []float64) {
	idx.removeFromDelta(id)
	idx.deltaIDs = append(idx.deltaIDs, id)
	idx.delta = append(idx.delta, v)
}

func (idx *Index) removeFromDelta(id string) {
	for i, existing := range idx.deltaIDs {
		if existing == id {
			idx.deltaIDs = append(idx.deltaIDs[:i], idx.deltaIDs[i+1:]...)
			idx.delta = append(idx.delta[:i], idx.delta[i+1:]...)
			return
		}
	}
}

// NotifyInsert is the fast-path local update: called by the collection engine right after it appends an
// INSERT change-log row within its own transaction, so the writer's own
// index sees its write without a sync round-trip.
func (idx *Index) NotifyInsert(logID int64, id string, v []float64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.checkDimension(v); err != nil {
		return err
	}
	idx.appendDelta(id, v)
	delete(idx.tombstones, id)
	if logID > idx.lastSeenLogID {
		idx.lastSeenLogID = logID
	}
	idx.initialized = true
	return nil
}

// NotifyDelete is the fast-path local update for a DELETE change-log row.
func (idx *Index) NotifyDelete(logID int64, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tombstones[id] = true
	idx.removeFromDelta(id)
	if logID > idx.lastSeenLogID {
		idx.lastSeenLogID = logID
	}
	idx.initialized = true
}

// Search validates dimension, synchronizes, and returns up to topK nearest
// matches to query under the index's metric, merging base and delta tiers
// and excluding tombstoned ids.
func (idx *Index) Search(ctx context.Context, query []float64, topK int) ([]Match, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dim != 0 && len(query) != idx.dim {
		return nil, errs.ErrDimensionMismatch
	}
	if err := idx.checkAndSync(ctx); err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	scan := func(ids []string, vectors [][]float64) {
		for i, id := range ids {
			if idx.tombstones[id] {
				continue
			}
			d := idx.metric(query, vectors[i])
			if prev, ok := best[id]; !ok || d < prev {
				best[id] = d
			}
		}
	}
	scan(idx.baseIDs, idx.base)
	scan(idx.deltaIDs, idx.delta)

	matches := make([]Match, 0, len(best))
	for id, d := range best {
		matches = append(matches, Match{ID: id, Distance: d})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Compact deletes all change-log rows for the collection and bumps
// base_version — run under the index's own inter-process lock — and marks
// this index for a full reload of the base from the document table on its
// next Search.
func (idx *Index) Compact(ctx context.Context) error {
	return idx.lock.Do(ctx, locks.AcquireOptions{Block: true}, func(ctx context.Context) error {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return idx.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM _vector_change_log WHERE collection_name = ?`, idx.collection); err != nil {
				return errs.Storage("vector index compact clear log", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO beaver_collection_versions (collection_name, base_version) VALUES (?, 1)
				ON CONFLICT(collection_name) DO UPDATE SET base_version = base_version + 1
			`, idx.collection); err != nil {
				return errs.Storage("vector index compact bump base version", err)
			}
			idx.initialized = false // force a full reload on the next Search
			return nil
		})
	})
}
