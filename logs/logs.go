// Package logs implements the Log manager: an append-only,
// timestamp-ordered record store, with an unbounded live tail built on a
// worker-pool-style select/poll cycle adapted from job dequeue to
// read-only tailing.
package logs

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"

	"beaverdb/cache"
	"beaverdb/internal/clock"
	"beaverdb/internal/errs"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
)

// sqlitePrimaryErrMask isolates the primary result code from an extended
// SQLite error code; sqliteConstraint is SQLITE_CONSTRAINT.
const (
	sqlitePrimaryErrMask = 0xFF
	sqliteConstraint     = 19
)

const kind = "log"

// Log is one named append-only record stream.
type Log struct {
	*manager.Base
}

// Option configures a Log at construction.
type Option func(*options)

type options struct {
	lockTTL time.Duration
}

// WithLockTTL overrides the default TTL of this log's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// New builds (or resumes) the log named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*Log, error) {
	o := options{lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	return &Log{Base: base}, nil
}

func (l *Log) cacheKey() string { return l.Namespace() + ":all" }

// Entry is one appended log record.
type Entry struct {
	Timestamp float64
	Data      any
}

// Append inserts data at timestamp (defaulting to now), retrying with a
// microsecond nudge on a (log_name, timestamp) primary-key collision.
func (l *Log) Append(ctx context.Context, data any, timestamp *float64) (float64, error) {
	payload, err := substrate.MarshalJSON(data)
	if err != nil {
		return 0, err
	}
	ts := clock.NowSeconds()
	if timestamp != nil {
		ts = *timestamp
	}

	err = cache.Invalidate(l.Cache, l.cacheKey(), func() error {
		conn, err := l.DB.SQL()
		if err != nil {
			return err
		}
		for {
			_, err := conn.ExecContext(ctx, `INSERT INTO beaver_logs (log_name, timestamp, data) VALUES (?, ?, ?)`, l.Name, ts, payload)
			if err == nil {
				return nil
			}
			if !isUniqueViolation(err) {
				return errs.Storage("log append", err)
			}
			ts += 1e-6
		}
	})
	if err != nil {
		return 0, err
	}
	if err := l.Bump(ctx); err != nil {
		return 0, err
	}
	return ts, nil
}

// isUniqueViolation reports whether err is a SQLITE_CONSTRAINT failure,
// using the driver's sqlite.Error/Code() classification.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&sqlitePrimaryErrMask == sqliteConstraint
	}
	return false
}

// Range returns entries with start <= timestamp < end (either bound
// optional), most-recent-last, capped at limit if positive.
func (l *Log) Range(ctx context.Context, start, end *float64, limit int) ([]Entry, error) {
	conn, err := l.DB.SQL()
	if err != nil {
		return nil, err
	}
	query := `SELECT timestamp, data FROM beaver_logs WHERE log_name = ?`
	args := []any{l.Name}
	if start != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *start)
	}
	if end != nil {
		query += ` AND timestamp < ?`
		args = append(args, *end)
	}
	query += ` ORDER BY timestamp ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("log range", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var ts float64
		var payload string
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, errs.Storage("log range scan", err)
		}
		var v any
		if err := substrate.UnmarshalJSON(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, Entry{Timestamp: ts, Data: v})
	}
	return out, rows.Err()
}

// Live starts a background goroutine that polls for entries newer than "now"
// and delivers them on the returned channel, closing it when ctx is
// cancelled or the database closes. Entries arrive in timestamp order;
// a reader that falls behind the poll cadence sees every entry in its next
// batch, not just the latest.
func (l *Log) Live(ctx context.Context, pollInterval time.Duration) (<-chan Entry, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	out := make(chan Entry)
	lastSeen := clock.NowSeconds()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.DB.Context().Done():
				return
			case <-time.After(clock.Jitter(pollInterval, 0.1)):
			}

			start := lastSeen
			entries, err := l.Range(ctx, &start, nil, 0)
			if err != nil {
				return
			}
			for _, e := range entries {
				if e.Timestamp <= lastSeen {
					continue
				}
				select {
				case out <- e:
					lastSeen = e.Timestamp
				case <-ctx.Done():
					return
				case <-l.DB.Context().Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Count returns the number of entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	conn, err := l.DB.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	row := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM beaver_logs WHERE log_name = ?`, l.Name)
	if err := row.Scan(&n); err != nil {
		return 0, errs.Storage("log count", err)
	}
	return n, nil
}

// Clear removes every entry.
func (l *Log) Clear(ctx context.Context) error {
	return cache.Invalidate(l.Cache, l.cacheKey(), func() error {
		conn, err := l.DB.SQL()
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_logs WHERE log_name = ?`, l.Name); err != nil {
			return errs.Storage("log clear", err)
		}
		return l.Bump(ctx)
	})
}

// Dump returns every entry in timestamp order.
func (l *Log) Dump(ctx context.Context) ([]Entry, error) {
	return manager.CachedRead(l.Base, l.cacheKey(), func() ([]Entry, error) {
		return l.Range(ctx, nil, nil, 0)
	})
}

// String implements fmt.Stringer for debugging.
func (l *Log) String() string { return fmt.Sprintf("log(%s)", l.Name) }
