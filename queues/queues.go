// Package queues implements the priority Queue manager: a min-heap-ordered
// table polled by blocking Get calls, items deleted atomically on
// retrieval.
package queues

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/clock"
	"beaverdb/internal/errs"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
)

const kind = "queue"

// Queue is one named priority queue.
type Queue struct {
	*manager.Base
	pollInterval time.Duration
}

// Option configures a Queue at construction.
type Option func(*options)

type options struct {
	lockTTL      time.Duration
	pollInterval time.Duration
}

// WithLockTTL overrides the default TTL of this queue's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// WithPollInterval overrides the polling cadence of blocking Get calls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New builds (or resumes) the queue named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*Queue, error) {
	o := options{lockTTL: 30 * time.Second, pollInterval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	return &Queue{Base: base, pollInterval: o.pollInterval}, nil
}

func (q *Queue) cacheKey() string { return q.Namespace() + ":all" }

func (q *Queue) mutate(ctx context.Context, fn func(conn *sql.DB) error) error {
	return cache.Invalidate(q.Cache, q.cacheKey(), func() error {
		conn, err := q.DB.SQL()
		if err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			return err
		}
		return q.Bump(ctx)
	})
}

// mutateTx is mutate's transactional counterpart, for operations that must
// read and write atomically against concurrent callers.
func (q *Queue) mutateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return cache.Invalidate(q.Cache, q.cacheKey(), func() error {
		if err := q.DB.WithTx(ctx, fn); err != nil {
			return err
		}
		return q.Bump(ctx)
	})
}

// Put enqueues value with the given priority (lower sorts first).
func (q *Queue) Put(ctx context.Context, value any, priority float64) error {
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}
	return q.mutate(ctx, func(conn *sql.DB) error {
		ts := clock.NowSeconds()
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO beaver_priority_queues (queue_name, priority, timestamp, data) VALUES (?, ?, ?, ?)
		`, q.Name, priority, ts, payload); err != nil {
			return errs.Storage("queue put", err)
		}
		return nil
	})
}

// take atomically selects and deletes the lowest-(priority, timestamp) row,
// returning errs.ErrEmpty if none exists. The select and delete run inside
// one transaction and the delete targets the selected row's rowid, so two
// concurrent callers can never both return the same row: SQLite serializes
// the transactions, and deleting by rowid can't mis-target a (priority,
// timestamp) tie the way deleting by those columns would.
func (q *Queue) take(ctx context.Context) (any, error) {
	var result any
	err := q.mutateTx(ctx, func(tx *sql.Tx) error {
		var rowid int64
		var payload string
		row := tx.QueryRowContext(ctx, `
			SELECT rowid, data FROM beaver_priority_queues
			WHERE queue_name = ? ORDER BY priority ASC, timestamp ASC LIMIT 1
		`, q.Name)
		if err := row.Scan(&rowid, &payload); err != nil {
			if err == sql.ErrNoRows {
				return errs.ErrEmpty
			}
			return errs.Storage("queue take select", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_priority_queues WHERE rowid = ?`, rowid); err != nil {
			return errs.Storage("queue take delete", err)
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

// Get removes and returns the lowest-priority item. With block=false it
// fails immediately with errs.ErrEmpty when the queue has nothing ready;
// with block=true it polls at the configured interval until an item
// appears, timeout elapses (errs.ErrTimeout), ctx is cancelled, or the
// database closes (errs.ErrClosed).
func (q *Queue) Get(ctx context.Context, block bool, timeout time.Duration) (any, error) {
	v, err := q.take(ctx)
	if err == nil {
		return v, nil
	}
	if err != errs.ErrEmpty || !block {
		return nil, err
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.DB.Context().Done():
			return nil, errs.ErrClosed
		case <-time.After(clock.Jitter(q.pollInterval, 0.1)):
		}
		if timeout > 0 && time.Since(start) > timeout {
			return nil, errs.ErrTimeout
		}
		v, err := q.take(ctx)
		if err == nil {
			return v, nil
		}
		if err != errs.ErrEmpty {
			return nil, err
		}
	}
}

// Peek returns the lowest-priority item without removing it.
func (q *Queue) Peek(ctx context.Context) (any, error) {
	conn, err := q.DB.SQL()
	if err != nil {
		return nil, err
	}
	var payload string
	row := conn.QueryRowContext(ctx, `
		SELECT data FROM beaver_priority_queues WHERE queue_name = ? ORDER BY priority ASC, timestamp ASC LIMIT 1
	`, q.Name)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ErrEmpty
		}
		return nil, errs.Storage("queue peek", err)
	}
	var v any
	if err := substrate.UnmarshalJSON(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	conn, err := q.DB.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	row := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM beaver_priority_queues WHERE queue_name = ?`, q.Name)
	if err := row.Scan(&n); err != nil {
		return 0, errs.Storage("queue len", err)
	}
	return n, nil
}

// Iter returns an ordered snapshot (priority ASC, timestamp ASC) without
// removing anything.
func (q *Queue) Iter(ctx context.Context) ([]any, error) {
	return manager.CachedRead(q.Base, q.cacheKey(), func() ([]any, error) {
		conn, err := q.DB.SQL()
		if err != nil {
			return nil, err
		}
		rows, err := conn.QueryContext(ctx, `
			SELECT data FROM beaver_priority_queues WHERE queue_name = ? ORDER BY priority ASC, timestamp ASC
		`, q.Name)
		if err != nil {
			return nil, errs.Storage("queue iter", err)
		}
		defer rows.Close()
		var out []any
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return nil, errs.Storage("queue iter scan", err)
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

// Clear removes every queued item.
func (q *Queue) Clear(ctx context.Context) error {
	return q.mutate(ctx, func(conn *sql.DB) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_priority_queues WHERE queue_name = ?`, q.Name); err != nil {
			return errs.Storage("queue clear", err)
		}
		return nil
	})
}

// Dump returns an ordered snapshot of the queue.
func (q *Queue) Dump(ctx context.Context) ([]any, error) { return q.Iter(ctx) }

// String implements fmt.Stringer for debugging.
func (q *Queue) String() string { return fmt.Sprintf("queue(%s)", q.Name) }
