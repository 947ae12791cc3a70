// Package lists implements the List manager: an ordered sequence stored
// as (item_order REAL, item_value) rows, with O(1) arbitrary-position
// insert via midpoint ordering instead of shifting indices.
package lists

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/errs"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
)

const kind = "list"

// List is one named ordered sequence.
type List struct {
	*manager.Base
}

// Option configures a List at construction.
type Option func(*options)

type options struct {
	lockTTL time.Duration
}

// WithLockTTL overrides the default TTL of this list's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// New builds (or resumes) the list named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*List, error) {
	o := options{lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	return &List{Base: base}, nil
}

func (l *List) cacheKey() string { return l.Namespace() + ":all" }

func (l *List) mutate(ctx context.Context, fn func(conn *sql.DB) error) error {
	return cache.Invalidate(l.Cache, l.cacheKey(), func() error {
		conn, err := l.DB.SQL()
		if err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			return err
		}
		return l.Bump(ctx)
	})
}

// mutateTx is mutate's transactional counterpart, for operations that must
// read and write atomically against concurrent callers.
func (l *List) mutateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return cache.Invalidate(l.Cache, l.cacheKey(), func() error {
		if err := l.DB.WithTx(ctx, fn); err != nil {
			return err
		}
		return l.Bump(ctx)
	})
}

func (l *List) boundsOrder(ctx context.Context, conn *sql.DB, selectMin bool) (float64, bool, error) {
	order := "MAX"
	if selectMin {
		order = "MIN"
	}
	var v sql.NullFloat64
	row := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s(item_order) FROM beaver_lists WHERE list_name = ?`, order), l.Name)
	if err := row.Scan(&v); err != nil {
		return 0, false, errs.Storage("list bounds", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Float64, true, nil
}

// Push appends value at the tail.
func (l *List) Push(ctx context.Context, value any) error {
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}
	return l.mutate(ctx, func(conn *sql.DB) error {
		maxOrder, ok, err := l.boundsOrder(ctx, conn, false)
		if err != nil {
			return err
		}
		next := 1.0
		if ok {
			next = maxOrder + 1
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO beaver_lists (list_name, item_order, item_value) VALUES (?, ?, ?)`, l.Name, next, payload); err != nil {
			return errs.Storage("list push", err)
		}
		return nil
	})
}

// Prepend inserts value at the head.
func (l *List) Prepend(ctx context.Context, value any) error {
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}
	return l.mutate(ctx, func(conn *sql.DB) error {
		minOrder, ok, err := l.boundsOrder(ctx, conn, true)
		if err != nil {
			return err
		}
		prev := -1.0
		if ok {
			prev = minOrder - 1
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO beaver_lists (list_name, item_order, item_value) VALUES (?, ?, ?)`, l.Name, prev, payload); err != nil {
			return errs.Storage("list prepend", err)
		}
		return nil
	})
}

// orderedOrders returns every item_order for this list in ascending order.
func (l *List) orderedOrders(ctx context.Context, conn *sql.DB) ([]float64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT item_order FROM beaver_lists WHERE list_name = ? ORDER BY item_order ASC`, l.Name)
	if err != nil {
		return nil, errs.Storage("list orders", err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var o float64
		if err := rows.Scan(&o); err != nil {
			return nil, errs.Storage("list orders scan", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// resolveIndex converts a possibly-negative Python-style index into an
// offset into orders, failing with errs.ErrIndexOutOfRange if it doesn't fit.
func resolveIndex(orders []float64, i int) (int, error) {
	n := len(orders)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, errs.ErrIndexOutOfRange
	}
	return i, nil
}

// Insert places value so that it lands at position i once ordered (index
// semantics match Get/negative indices), using the midpoint of its
// neighbors' orders.
func (l *List) Insert(ctx context.Context, i int, value any) error {
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}
	return l.mutate(ctx, func(conn *sql.DB) error {
		orders, err := l.orderedOrders(ctx, conn)
		if err != nil {
			return err
		}
		n := len(orders)
		if i < 0 {
			i += n
		}
		if i < 0 {
			i = 0
		}
		if i > n {
			i = n
		}

		var target float64
		switch {
		case n == 0:
			target = 0
		case i == 0:
			target = orders[0] - 1
		case i == n:
			target = orders[n-1] + 1
		default:
			target = (orders[i-1] + orders[i]) / 2
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO beaver_lists (list_name, item_order, item_value) VALUES (?, ?, ?)`, l.Name, target, payload); err != nil {
			return errs.Storage("list insert", err)
		}
		return nil
	})
}

// popEnd selects and deletes the head or tail row inside one transaction,
// deleting by rowid so two concurrent Pop/Dequeue calls can't both read the
// same extreme item_order and only one delete silently land.
func (l *List) popEnd(ctx context.Context, selectMin bool) (any, error) {
	var result any
	err := l.mutateTx(ctx, func(tx *sql.Tx) error {
		order := "MAX"
		if selectMin {
			order = "MIN"
		}
		var rowid int64
		var payload string
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT rowid, item_value FROM beaver_lists WHERE list_name = ? AND item_order = (SELECT %s(item_order) FROM beaver_lists WHERE list_name = ?)
		`, order), l.Name, l.Name)
		if err := row.Scan(&rowid, &payload); err != nil {
			if err == sql.ErrNoRows {
				return errs.ErrEmpty
			}
			return errs.Storage("list pop select", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_lists WHERE rowid = ?`, rowid); err != nil {
			return errs.Storage("list pop delete", err)
		}
		var v any
		if err := substrate.UnmarshalJSON(payload, &v); err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pop removes and returns the tail element, failing with errs.ErrEmpty if
// the list is empty.
func (l *List) Pop(ctx context.Context) (any, error) { return l.popEnd(ctx, false) }

// Dequeue removes and returns the head element, failing with errs.ErrEmpty
// if the list is empty.
func (l *List) Dequeue(ctx context.Context) (any, error) { return l.popEnd(ctx, true) }

// Get returns the value at index i, supporting negative indices.
func (l *List) Get(ctx context.Context, i int) (any, error) {
	conn, err := l.DB.SQL()
	if err != nil {
		return nil, err
	}
	orders, err := l.orderedOrders(ctx, conn)
	if err != nil {
		return nil, err
	}
	idx, err := resolveIndex(orders, i)
	if err != nil {
		return nil, err
	}
	var payload string
	row := conn.QueryRowContext(ctx, `SELECT item_value FROM beaver_lists WHERE list_name = ? AND item_order = ?`, l.Name, orders[idx])
	if err := row.Scan(&payload); err != nil {
		return nil, errs.Storage("list get", err)
	}
	var v any
	if err := substrate.UnmarshalJSON(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Set overwrites the value at index i, supporting negative indices.
func (l *List) Set(ctx context.Context, i int, value any) error {
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}
	return l.mutate(ctx, func(conn *sql.DB) error {
		orders, err := l.orderedOrders(ctx, conn)
		if err != nil {
			return err
		}
		idx, err := resolveIndex(orders, i)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `UPDATE beaver_lists SET item_value = ? WHERE list_name = ? AND item_order = ?`, payload, l.Name, orders[idx]); err != nil {
			return errs.Storage("list set", err)
		}
		return nil
	})
}

// Delete removes the element at index i, supporting negative indices.
func (l *List) Delete(ctx context.Context, i int) error {
	return l.mutate(ctx, func(conn *sql.DB) error {
		orders, err := l.orderedOrders(ctx, conn)
		if err != nil {
			return err
		}
		idx, err := resolveIndex(orders, i)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_lists WHERE list_name = ? AND item_order = ?`, l.Name, orders[idx]); err != nil {
			return errs.Storage("list delete", err)
		}
		return nil
	})
}

// Slice returns elements [start, stop) with the given step, which must be 1
// (a non-unit step is rejected as unsupported).
func (l *List) Slice(ctx context.Context, start, stop, step int) ([]any, error) {
	if step != 1 {
		return nil, errs.ErrUnsupported
	}
	conn, err := l.DB.SQL()
	if err != nil {
		return nil, err
	}
	orders, err := l.orderedOrders(ctx, conn)
	if err != nil {
		return nil, err
	}
	n := len(orders)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop > n {
		stop = n
	}
	if start >= stop {
		return []any{}, nil
	}

	out := make([]any, 0, stop-start)
	for _, o := range orders[start:stop] {
		var payload string
		row := conn.QueryRowContext(ctx, `SELECT item_value FROM beaver_lists WHERE list_name = ? AND item_order = ?`, l.Name, o)
		if err := row.Scan(&payload); err != nil {
			return nil, errs.Storage("list slice", err)
		}
		var v any
		if err := substrate.UnmarshalJSON(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Contains reports whether value (by JSON-equal representation) is present.
func (l *List) Contains(ctx context.Context, value any) (bool, error) {
	items, err := l.Iter(ctx)
	if err != nil {
		return false, err
	}
	target, err := substrate.MarshalJSON(value)
	if err != nil {
		return false, err
	}
	for _, v := range items {
		encoded, err := substrate.MarshalJSON(v)
		if err != nil {
			continue
		}
		if encoded == target {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of elements.
func (l *List) Len(ctx context.Context) (int, error) {
	conn, err := l.DB.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	row := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM beaver_lists WHERE list_name = ?`, l.Name)
	if err := row.Scan(&n); err != nil {
		return 0, errs.Storage("list len", err)
	}
	return n, nil
}

// Iter returns every element in order, cached as a whole-list snapshot under
// key "{kind}:{name}:all".
func (l *List) Iter(ctx context.Context) ([]any, error) {
	return manager.CachedRead(l.Base, l.cacheKey(), func() ([]any, error) {
		conn, err := l.DB.SQL()
		if err != nil {
			return nil, err
		}
		rows, err := conn.QueryContext(ctx, `SELECT item_value FROM beaver_lists WHERE list_name = ? ORDER BY item_order ASC`, l.Name)
		if err != nil {
			return nil, errs.Storage("list iter", err)
		}
		defer rows.Close()
		var out []any
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return nil, errs.Storage("list iter scan", err)
			}
			var v any
			if err := substrate.UnmarshalJSON(payload, &v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if out == nil {
			out = []any{}
		}
		return out, rows.Err()
	})
}

// Clear removes every element.
func (l *List) Clear(ctx context.Context) error {
	return l.mutate(ctx, func(conn *sql.DB) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_lists WHERE list_name = ?`, l.Name); err != nil {
			return errs.Storage("list clear", err)
		}
		return nil
	})
}

// Dump returns a snapshot of the list in order.
func (l *List) Dump(ctx context.Context) ([]any, error) { return l.Iter(ctx) }

// String implements fmt.Stringer for debugging.
func (l *List) String() string { return fmt.Sprintf("list(%s)", l.Name) }
