// Package substrate is the storage substrate: it owns the
// single SQLite file, bootstraps the schema idempotently, and hands out a
// pooled *sql.DB every manager builds its statements against. Connection
// string construction follows a URI-pragma style; the row helpers in
// rows.go (ScanRows, MarshalJSON, UnmarshalJSON) are adapted from a
// bbolt-style bucket API onto SQL rows instead of bbolt buckets.
package substrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"

	"beaverdb/internal/errs"
	"beaverdb/internal/gid"
)

// Options configures a substrate Open call.
type Options struct {
	// Timeout bounds SQLite's busy_timeout for lock contention between
	// processes sharing the file.
	Timeout time.Duration
	// Logger receives structured diagnostics; defaults to logrus's standard
	// logger when nil.
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// DB is the process-local handle onto one beaverdb file. It is safe for
// concurrent use by multiple goroutines, except for an in-memory database,
// which is confined to the goroutine that opened it.
type DB struct {
	sql    *sql.DB
	path   string
	memory bool
	ownerG uint64 // goroutine id that opened an in-memory DB; 0 when file-backed

	log *logrus.Logger

	closed atomic.Bool
	cancel context.CancelFunc
	ctx    context.Context

	mu sync.Mutex // guards nothing hot; serializes Close against itself
}

// Open opens (creating if absent) the database file at path. path == ":memory:"
// opens a private in-memory database confined to the calling goroutine.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	isMemory := path == ":memory:"
	connStr, err := dsn(path, opts, isMemory)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errs.Storage("open", err)
	}

	if isMemory {
		// A private in-memory SQLite database is only visible through the
		// connection that created it; force a single pooled connection so
		// every statement lands on the same backing connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		maxConns := runtime.NumCPU() + 1 // one writer, N readers, WAL-friendly
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(2)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errs.Storage("ping", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, errs.Storage("schema bootstrap", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	db := &DB{
		sql:    sqlDB,
		path:   path,
		memory: isMemory,
		log:    opts.Logger,
		cancel: cancel,
		ctx:    ctx,
	}
	if isMemory {
		db.ownerG = gid.Current()
	}
	return db, nil
}

func dsn(path string, opts Options, isMemory bool) (string, error) {
	busyMS := opts.Timeout.Milliseconds()
	if isMemory {
		return fmt.Sprintf("file::memory:?cache=private&_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)", busyMS), nil
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", errs.Storage("mkdir", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)", path, busyMS), nil
}

// Context is cancelled when Close is called; background pollers (lock
// acquire, blocking queue get, log tail, channel subscribe) select on it to
// exit promptly.
func (db *DB) Context() context.Context { return db.ctx }

// checkAccess enforces the misuse/closed contracts before any statement.
func (db *DB) checkAccess() error {
	if db.closed.Load() {
		return errs.ErrClosed
	}
	if db.memory && gid.Current() != db.ownerG {
		return fmt.Errorf("%w: in-memory database opened by a different goroutine", errs.ErrMisuse)
	}
	return nil
}

// SQL returns the pooled *sql.DB for building statements, after the
// closed/misuse checks above.
func (db *DB) SQL() (*sql.DB, error) {
	if err := db.checkAccess(); err != nil {
		return nil, err
	}
	return db.sql, nil
}

// WithTx runs fn inside one write transaction, committing on success and
// rolling back on error or panic. Mutations that must commit several
// statements together (collection index/drop, list and queue pops, vector
// compaction) go through this; other writes, such as dict sets and blob
// puts, run directly on the pool.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if err = db.checkAccess(); err != nil {
		return err
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.Storage("commit", err)
	}
	return nil
}

// Close is idempotent: it cancels the shared context (signalling every
// polling loop to stop), closes the pooled connection, and marks the
// instance terminated so every subsequent call returns errs.ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.cancel()
	if err := db.sql.Close(); err != nil {
		return errs.Storage("close", err)
	}
	return nil
}

// Log returns the logger configured for this database.
func (db *DB) Log() *logrus.Logger { return db.log }
