// Package collections implements the collection engine: one named
// aggregate of a document store, an FTS index, a trigram index, a vector
// index, and an edge store, mutated atomically within a single substrate
// transaction.
package collections

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/errs"
	"beaverdb/internal/ids"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
	"beaverdb/vectorindex"
)

const kind = "collection"

// Collection is one named aggregate document store.
type Collection struct {
	*manager.Base
	vectors *vectorindex.Index
}

// Option configures a Collection at construction.
type Option func(*options)

type options struct {
	lockTTL time.Duration
	metric  vectorindex.Metric
}

// WithLockTTL overrides the default TTL of this collection's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// WithMetric overrides the vector index's distance metric (default
// vectorindex.Euclidean).
func WithMetric(m vectorindex.Metric) Option {
	return func(o *options) { o.metric = m }
}

// New builds (or resumes) the collection named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*Collection, error) {
	o := options{lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	vectors, err := vectorindex.New(db, name, o.metric)
	if err != nil {
		return nil, err
	}
	return &Collection{Base: base, vectors: vectors}, nil
}

// Doc is a caller-supplied document: an id (or "" to generate a fresh UUID),
// arbitrary JSON-able fields, and an optional vector payload.
type Doc struct {
	ID     string
	Fields map[string]any
	Vector []float64
}

// flatten flattens nested maps/slices into (path, leaf) pairs using "."
// as the separator, consistent across a collection.
func flatten(prefix string, v any, out *[]fieldLeaf) {
	switch val := v.(type) {
	case map[string]any:
		for k, sub := range val {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flatten(path, sub, out)
		}
	case []any:
		for i, sub := range val {
			path := fmt.Sprintf("%s.%d", prefix, i)
			flatten(path, sub, out)
		}
	case string:
		*out = append(*out, fieldLeaf{Path: prefix, Value: val})
	case nil:
		// skip: no string leaf to index
	default:
		*out = append(*out, fieldLeaf{Path: prefix, Value: fmt.Sprintf("%v", val)})
	}
}

type fieldLeaf struct {
	Path  string
	Value string
}

func trigrams(s string) []string {
	s = strings.ToLower(s)
	runes := []rune(s)
	if len(runes) < 3 {
		return nil
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// selectLeaves decides which flattened leaves participate in FTS indexing
// for a given "fts" option: true = all, false = none, []string = only those
// paths.
func selectLeaves(leaves []fieldLeaf, fts any) []fieldLeaf {
	switch v := fts.(type) {
	case bool:
		if v {
			return leaves
		}
		return nil
	case []string:
		allow := make(map[string]bool, len(v))
		for _, p := range v {
			allow[p] = true
		}
		var out []fieldLeaf
		for _, l := range leaves {
			if allow[l.Path] {
				out = append(out, l)
			}
		}
		return out
	default:
		return nil
	}
}

// Index upserts doc: clears and rebuilds its FTS/trigram rows, upserts the
// document row, and — if a vector is present — drives the vector index,
// all within one substrate transaction.
func (c *Collection) Index(ctx context.Context, doc Doc, fts any, fuzzy bool) (string, error) {
	itemID := doc.ID
	if itemID == "" {
		itemID = ids.NewItemID()
	}

	metadata, err := substrate.MarshalJSON(doc.Fields)
	if err != nil {
		return "", err
	}
	var vectorBytes []byte
	if doc.Vector != nil {
		vectorBytes = vectorindex.EncodeVector(doc.Vector)
	}

	var leaves []fieldLeaf
	flatten("", doc.Fields, &leaves)
	ftsLeaves := selectLeaves(leaves, fts)

	err = c.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_fts_index WHERE collection = ? AND item_id = ?`, c.Name, itemID); err != nil {
			return errs.Storage("collection index clear fts", err)
		}
		for _, l := range ftsLeaves {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO beaver_fts_index (collection, item_id, field_path, field_content) VALUES (?, ?, ?, ?)
			`, c.Name, itemID, l.Path, l.Value); err != nil {
				return errs.Storage("collection index fts insert", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_trigrams WHERE collection = ? AND item_id = ?`, c.Name, itemID); err != nil {
			return errs.Storage("collection index clear trigrams", err)
		}
		if fuzzy {
			for _, l := range leaves {
				seen := make(map[string]bool)
				for _, tg := range trigrams(l.Value) {
					key := l.Path + "\x00" + tg
					if seen[key] {
						continue
					}
					seen[key] = true
					if _, err := tx.ExecContext(ctx, `
						INSERT OR IGNORE INTO beaver_trigrams (collection, item_id, field_path, trigram) VALUES (?, ?, ?, ?)
					`, c.Name, itemID, l.Path, tg); err != nil {
						return errs.Storage("collection index trigram insert", err)
					}
				}
			}
		}

		var vectorArg any
		if vectorBytes != nil {
			vectorArg = vectorBytes
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO beaver_collections (collection, item_id, item_vector, metadata) VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, item_id) DO UPDATE SET item_vector = excluded.item_vector, metadata = excluded.metadata
		`, c.Name, itemID, vectorArg, metadata); err != nil {
			return errs.Storage("collection index upsert row", err)
		}

		if vectorBytes != nil {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO _vector_change_log (collection_name, item_id, operation_type) VALUES (?, ?, ?)
			`, c.Name, itemID, substrate.VectorOpInsert)
			if err != nil {
				return errs.Storage("collection index change log", err)
			}
			logID, err := res.LastInsertId()
			if err != nil {
				return errs.Storage("collection index change log id", err)
			}
			if err := c.vectors.NotifyInsert(logID, itemID, doc.Vector); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := c.Bump(ctx); err != nil {
		return "", err
	}
	return itemID, nil
}

// Drop atomically removes itemID's row, FTS rows, trigram rows, and every
// edge touching it, appending a DELETE change-log row.
func (c *Collection) Drop(ctx context.Context, itemID string) error {
	err := c.DB.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM beaver_collections WHERE collection = ? AND item_id = ?`, c.Name, itemID)
		if err != nil {
			return errs.Storage("collection drop row", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Storage("collection drop rows affected", err)
		}
		if n == 0 {
			return errs.ErrKeyAbsent
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_fts_index WHERE collection = ? AND item_id = ?`, c.Name, itemID); err != nil {
			return errs.Storage("collection drop fts", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_trigrams WHERE collection = ? AND item_id = ?`, c.Name, itemID); err != nil {
			return errs.Storage("collection drop trigrams", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM beaver_edges WHERE collection = ? AND (source_item_id = ? OR target_item_id = ?)
		`, c.Name, itemID, itemID); err != nil {
			return errs.Storage("collection drop edges", err)
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO _vector_change_log (collection_name, item_id, operation_type) VALUES (?, ?, ?)
		`, c.Name, itemID, substrate.VectorOpDelete)
		if err != nil {
			return errs.Storage("collection drop change log", err)
		}
		logID, err := res.LastInsertId()
		if err != nil {
			return errs.Storage("collection drop change log id", err)
		}
		c.vectors.NotifyDelete(logID, itemID)
		return nil
	})
	if err != nil {
		return err
	}
	return c.Bump(ctx)
}

// MatchHit is one full-text or fuzzy match result.
type MatchHit struct {
	ItemID string
	Rank   float64
}

// Match performs full-text search when fuzziness is 0 (FTS5 MATCH, ranked
// ascending by bm25 rank) or trigram-intersection fuzzy search otherwise.
func (c *Collection) Match(ctx context.Context, query string, on []string, topK int, fuzziness int) ([]MatchHit, error) {
	conn, err := c.DB.SQL()
	if err != nil {
		return nil, err
	}
	if fuzziness == 0 {
		return c.matchFTS(ctx, conn, query, on, topK)
	}
	return c.matchFuzzy(ctx, conn, query, on, topK, fuzziness)
}

func (c *Collection) matchFTS(ctx context.Context, conn *sql.DB, query string, on []string, topK int) ([]MatchHit, error) {
	sqlQuery := `
		SELECT item_id, MIN(rank) AS best_rank FROM beaver_fts_index
		WHERE collection = ? AND field_content MATCH ?`
	args := []any{c.Name, query}
	if len(on) > 0 {
		placeholders := make([]string, len(on))
		for i, p := range on {
			placeholders[i] = "?"
			args = append(args, p)
		}
		sqlQuery += fmt.Sprintf(` AND field_path IN (%s)`, strings.Join(placeholders, ","))
	}
	sqlQuery += ` GROUP BY item_id ORDER BY best_rank ASC`
	if topK > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, topK)
	}

	rows, err := conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errs.Storage("collection match fts", err)
	}
	defer rows.Close()

	var out []MatchHit
	for rows.Next() {
		var h MatchHit
		if err := rows.Scan(&h.ItemID, &h.Rank); err != nil {
			return nil, errs.Storage("collection match fts scan", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// minTrigramOverlap bounds how few of the query's trigrams a candidate may
// share and still count as within fuzziness edits: each single-character
// edit (insert/delete/substitute) can destroy at most 3 overlapping
// trigrams, so a string within fuzziness edits of query keeps at least
// len(queryGrams) - 3*fuzziness of them. Negative fuzziness is treated as 0.
func minTrigramOverlap(numGrams, fuzziness int) int {
	if fuzziness < 0 {
		fuzziness = 0
	}
	min := numGrams - 3*fuzziness
	if min < 1 {
		min = 1
	}
	return min
}

func (c *Collection) matchFuzzy(ctx context.Context, conn *sql.DB, query string, on []string, topK int, fuzziness int) ([]MatchHit, error) {
	queryGrams := trigrams(query)
	if len(queryGrams) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(queryGrams))
	args := []any{c.Name}
	for i, g := range queryGrams {
		placeholders[i] = "?"
		args = append(args, g)
	}
	sqlQuery := fmt.Sprintf(`
		SELECT item_id, COUNT(*) AS hits FROM beaver_trigrams
		WHERE collection = ? AND trigram IN (%s)`, strings.Join(placeholders, ","))
	if len(on) > 0 {
		fieldPlaceholders := make([]string, len(on))
		for i, p := range on {
			fieldPlaceholders[i] = "?"
			args = append(args, p)
		}
		sqlQuery += fmt.Sprintf(` AND field_path IN (%s)`, strings.Join(fieldPlaceholders, ","))
	}
	sqlQuery += ` GROUP BY item_id HAVING hits >= ? ORDER BY hits DESC`
	args = append(args, minTrigramOverlap(len(queryGrams), fuzziness))

	rows, err := conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errs.Storage("collection match fuzzy", err)
	}
	defer rows.Close()

	var out []MatchHit
	for rows.Next() {
		var id string
		var hits int
		if err := rows.Scan(&id, &hits); err != nil {
			return nil, errs.Storage("collection match fuzzy scan", err)
		}
		out = append(out, MatchHit{ItemID: id, Rank: float64(hits)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Search delegates to the collection's vector index.
func (c *Collection) Search(ctx context.Context, vector []float64, topK int) ([]vectorindex.Match, error) {
	return c.vectors.Search(ctx, vector, topK)
}

// Connect upserts an edge (collection, src, tgt, label) with optional
// metadata.
func (c *Collection) Connect(ctx context.Context, src, tgt, label string, metadata any) error {
	var metaPayload any
	if metadata != nil {
		encoded, err := substrate.MarshalJSON(metadata)
		if err != nil {
			return err
		}
		metaPayload = encoded
	}
	conn, err := c.DB.SQL()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO beaver_edges (collection, source_item_id, target_item_id, label, metadata) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, source_item_id, target_item_id, label) DO UPDATE SET metadata = excluded.metadata
	`, c.Name, src, tgt, label, metaPayload); err != nil {
		return errs.Storage("collection connect", err)
	}
	return c.Bump(ctx)
}

// Neighbors returns 1-hop outgoing neighbors of doc, filtered by an
// optional label.
func (c *Collection) Neighbors(ctx context.Context, doc string, label string) ([]string, error) {
	conn, err := c.DB.SQL()
	if err != nil {
		return nil, err
	}
	query := `SELECT target_item_id FROM beaver_edges WHERE collection = ? AND source_item_id = ?`
	args := []any{c.Name, doc}
	if label != "" {
		query += ` AND label = ?`
		args = append(args, label)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("collection neighbors", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Storage("collection neighbors scan", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Direction selects which endpoint of an edge walk expands outward.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Walk performs a breadth-first traversal from source using a recursive CTE
// bounded by depth and restricted to labels, returning distinct documents
// reached at depth > 0.
func (c *Collection) Walk(ctx context.Context, source string, labels []string, depth int, direction Direction) ([]string, error) {
	if depth < 0 {
		return nil, errs.ErrInvalidArgument
	}
	conn, err := c.DB.SQL()
	if err != nil {
		return nil, err
	}

	fromCol, toCol := "source_item_id", "target_item_id"
	if direction == Incoming {
		fromCol, toCol = "target_item_id", "source_item_id"
	}

	args := []any{source, c.Name}
	args = append(args, toAnySlice(labels)...)
	args = append(args, depth)

	query := fmt.Sprintf(`
		WITH RECURSIVE traversal(item_id, hop) AS (
			SELECT ?, 0
			UNION
			SELECT e.%s, t.hop + 1
			FROM beaver_edges e
			JOIN traversal t ON e.%s = t.item_id
			WHERE e.collection = ?%s AND t.hop < ?
		)
		SELECT DISTINCT item_id FROM traversal WHERE hop > 0
	`, toCol, fromCol, labelFilterForArgs(labels))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("collection walk", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Storage("collection walk scan", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func labelFilterForArgs(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	placeholders := make([]string, len(labels))
	for i := range labels {
		placeholders[i] = "?"
	}
	return fmt.Sprintf(" AND e.label IN (%s)", strings.Join(placeholders, ","))
}

func toAnySlice(labels []string) []any {
	out := make([]any, len(labels))
	for i, l := range labels {
		out[i] = l
	}
	return out
}

// IterDoc is one rehydrated document yielded by Iter.
type IterDoc struct {
	ItemID string
	Fields map[string]any
	Vector []float64
}

// Iter yields every document in the collection, rehydrating vectors from
// bytes and metadata from JSON.
func (c *Collection) Iter(ctx context.Context) ([]IterDoc, error) {
	conn, err := c.DB.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT item_id, item_vector, metadata FROM beaver_collections WHERE collection = ?`, c.Name)
	if err != nil {
		return nil, errs.Storage("collection iter", err)
	}
	defer rows.Close()

	var out []IterDoc
	for rows.Next() {
		var id, metadata string
		var vectorBytes []byte
		if err := rows.Scan(&id, &vectorBytes, &metadata); err != nil {
			return nil, errs.Storage("collection iter scan", err)
		}
		var fields map[string]any
		if err := substrate.UnmarshalJSON(metadata, &fields); err != nil {
			return nil, err
		}
		doc := IterDoc{ItemID: id, Fields: fields}
		if vectorBytes != nil {
			v, err := vectorindex.DecodeVector(vectorBytes)
			if err != nil {
				return nil, err
			}
			doc.Vector = v
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Rerank fuses multiple ranked result lists via reciprocal-rank fusion:
// document at 0-based rank r in list i contributes weight_i / (k + r) to
// its score, returned sorted by descending fused score.
func Rerank(lists [][]string, weights []float64, k int) []string {
	if k <= 0 {
		k = 60
	}
	scores := make(map[string]float64)
	order := make([]string, 0)
	seen := make(map[string]bool)
	for i, list := range lists {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		for r, doc := range list {
			scores[doc] += w / float64(k+r)
			if !seen[doc] {
				seen[doc] = true
				order = append(order, doc)
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	return order
}

// String implements fmt.Stringer for debugging.
func (c *Collection) String() string { return fmt.Sprintf("collection(%s)", c.Name) }
