// Package locks implements the fair, deadlock-resistant inter-process lock
// manager: advisory mutual exclusion across goroutines
// and processes sharing the same beaverdb file, with crash recovery via
// TTL expiry. Every data-structure manager's public scoped-acquisition lock
// (__lock__{kind}__{name}) is one of these.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sqlite "modernc.org/sqlite"

	"beaverdb/internal/clock"
	"beaverdb/internal/errs"
	"beaverdb/internal/ids"
	"beaverdb/substrate"
)

// sqlitePrimaryErrMask isolates the primary result code from an extended
// SQLite error code; sqliteConstraint is SQLITE_CONSTRAINT.
const (
	sqlitePrimaryErrMask = 0xFF
	sqliteConstraint     = 19
)

// isUniqueViolation reports whether err is a SQLITE_CONSTRAINT failure,
// using the driver's sqlite.Error/Code() classification.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&sqlitePrimaryErrMask == sqliteConstraint
	}
	return false
}

// Options configures lock behavior at construction.
type Options struct {
	TTL          time.Duration // how long a held lock survives without renewal
	PollInterval time.Duration // how often a blocked Acquire re-checks
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// AcquireOptions parameterizes one Acquire call.
type AcquireOptions struct {
	Timeout time.Duration // zero means block indefinitely until ctx is done
	Block   bool
}

// Lock is one named advisory lock backed by beaver_lock_waiters.
type Lock struct {
	db   *substrate.DB
	name string
	opts Options

	waiterID string
	acquired bool
}

// New builds a Lock named name. Non-positive TTL or poll interval is
// rejected as invalid configuration, unless the defaults are used (zero
// value means "apply default").
func New(db *substrate.DB, name string, opts Options) (*Lock, error) {
	if name == "" {
		return nil, errs.ErrInvalidArgument
	}
	if opts.TTL < 0 || opts.PollInterval < 0 {
		return nil, errs.ErrInvalidArgument
	}
	opts = opts.withDefaults()
	return &Lock{db: db, name: name, opts: opts, waiterID: ids.NewWaiterID()}, nil
}

// Acquire inserts self as a waiter, then loops reclaiming expired rows and
// checking whether self holds the minimum requested_at among the
// survivors.
func (l *Lock) Acquire(ctx context.Context, aopts AcquireOptions) error {
	if l.acquired {
		return nil // re-entrant no-op
	}

	conn, err := l.db.SQL()
	if err != nil {
		return err
	}

	now := clock.NowSeconds()
	requestedAt := now
	expiresAt := now + l.opts.TTL.Seconds()

	for {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO beaver_lock_waiters (lock_name, waiter_id, requested_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, l.name, l.waiterID, requestedAt, expiresAt)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) {
			return errs.Storage("lock acquire insert", err)
		}
		// PK collision on (lock_name, requested_at): nudge the candidate
		// time by a microsecond and retry, the same collision-retry shape
		// the log manager uses for timestamps.
		requestedAt += 1e-6
		expiresAt = requestedAt + l.opts.TTL.Seconds()
	}

	return l.pollUntilHeld(ctx, aopts)
}

// pollUntilHeld runs the reclaim/select/sleep loop until self is the
// holder, the caller gives up, or the database closes.
func (l *Lock) pollUntilHeld(ctx context.Context, aopts AcquireOptions) error {
	start := time.Now()
	for {
		holder, err := l.reclaimAndSelectHolder(ctx)
		if err != nil {
			l.removeSelf(context.Background())
			return err
		}
		if holder == l.waiterID {
			l.acquired = true
			return nil
		}

		if !aopts.Block {
			l.removeSelf(context.Background())
			return errs.ErrNotAcquired
		}
		if aopts.Timeout > 0 && time.Since(start) > aopts.Timeout {
			l.removeSelf(context.Background())
			return errs.ErrTimeout
		}

		select {
		case <-ctx.Done():
			l.removeSelf(context.Background())
			return ctx.Err()
		case <-l.db.Context().Done():
			l.removeSelf(context.Background())
			return errs.ErrClosed
		case <-time.After(clock.Jitter(l.opts.PollInterval, 0.1)):
		}
	}
}

// reclaimAndSelectHolder deletes expired rows and returns the waiter_id
// holding the minimum requested_at among survivors, within one transaction.
func (l *Lock) reclaimAndSelectHolder(ctx context.Context) (string, error) {
	var holder string
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := clock.NowSeconds()
		if _, err := tx.ExecContext(ctx, `DELETE FROM beaver_lock_waiters WHERE lock_name = ? AND expires_at < ?`, l.name, now); err != nil {
			return errs.Storage("reclaim expired waiters", err)
		}
		row := tx.QueryRowContext(ctx, `
			SELECT waiter_id FROM beaver_lock_waiters
			WHERE lock_name = ? AND expires_at > ?
			ORDER BY requested_at ASC LIMIT 1
		`, l.name, now)
		if err := row.Scan(&holder); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return errs.Storage("select holder", err)
		}
		return nil
	})
	return holder, err
}

func (l *Lock) removeSelf(ctx context.Context) {
	conn, err := l.db.SQL()
	if err != nil {
		return
	}
	_, _ = conn.ExecContext(ctx, `DELETE FROM beaver_lock_waiters WHERE lock_name = ? AND waiter_id = ?`, l.name, l.waiterID)
}

// Release is a best-effort, idempotent delete of this lock's own row.
func (l *Lock) Release(ctx context.Context) error {
	conn, err := l.db.SQL()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_lock_waiters WHERE lock_name = ? AND waiter_id = ?`, l.name, l.waiterID); err != nil {
		return errs.Storage("release", err)
	}
	l.acquired = false
	return nil
}

// Renew extends this lock's own row's expiry by ttl from now, only if the
// row still exists. The bool return lets callers detect loss of a held
// lock.
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errs.ErrInvalidArgument
	}
	conn, err := l.db.SQL()
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE beaver_lock_waiters SET expires_at = ?
		WHERE lock_name = ? AND waiter_id = ?
	`, clock.NowSeconds()+ttl.Seconds(), l.name, l.waiterID)
	if err != nil {
		return false, errs.Storage("renew", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Storage("renew rows affected", err)
	}
	return n > 0, nil
}

// Clear deletes every waiter row for this lock, breaking a stuck holder or
// cancelling all waiters. A no-op (success) on a non-existent lock.
func (l *Lock) Clear(ctx context.Context) error {
	conn, err := l.db.SQL()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_lock_waiters WHERE lock_name = ?`, l.name); err != nil {
		return errs.Storage("clear", err)
	}
	l.acquired = false
	return nil
}

// Do acquires the lock, runs fn, and releases it on the way out.
func (l *Lock) Do(ctx context.Context, aopts AcquireOptions, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, aopts); err != nil {
		return err
	}
	defer l.Release(context.Background())
	return fn(ctx)
}

// Held reports whether this handle currently believes it holds the lock.
func (l *Lock) Held() bool { return l.acquired }

// Name returns the lock's name.
func (l *Lock) Name() string { return l.name }
