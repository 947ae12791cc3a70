// Package beaverdb is an embedded, single-file, multi-modal data store: a
// SQLite substrate underneath named dicts, lists, priority queues, blob
// stores, append-only logs, pub/sub channels, distributed advisory locks,
// and collections combining row storage, full-text and fuzzy search, and
// vector similarity search with a labeled directed graph.
package beaverdb

import (
	"context"
	"fmt"
	"sync"

	"beaverdb/blobs"
	"beaverdb/cache"
	"beaverdb/channels"
	"beaverdb/collections"
	"beaverdb/dicts"
	"beaverdb/internal/errs"
	"beaverdb/internal/version"
	"beaverdb/lists"
	"beaverdb/locks"
	"beaverdb/logs"
	"beaverdb/queues"
	"beaverdb/substrate"
	"beaverdb/versions"
)

const metadataDict = "__metadata__"

// managerKey identifies one process-singleton manager by its kind ("dict",
// "list", …) and name.
type managerKey struct {
	kind string
	name string
}

// DB is the top-level handle onto one beaverdb file. Every factory method
// (Dict, List, Queue, …) returns a process-singleton for (kind, name),
// cached in managers and torn down together on Close.
type DB struct {
	sub  *substrate.DB
	opts Options

	mu       sync.Mutex
	managers map[managerKey]any
}

// Open opens (creating if absent) the database file at path, bootstraps its
// schema, and stamps __metadata__.version with the library version. path ==
// ":memory:" opens a private in-memory database confined to the calling
// goroutine, exactly as substrate.Open documents.
//
// A version mismatch against a prior __metadata__.version is not fatal: it
// is logged as a warning and returned alongside a usable handle wrapping
// errs.ErrVersionSkew, so a caller that cares can errors.Is it.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	sub, err := substrate.Open(path, opts.substrateOptions())
	if err != nil {
		return nil, err
	}

	db := &DB{sub: sub, opts: opts, managers: make(map[managerKey]any)}

	skew, err := db.reconcileVersion(context.Background())
	if err != nil {
		sub.Close()
		return nil, err
	}
	if skew {
		return db, errs.ErrVersionSkew
	}
	return db, nil
}

// reconcileVersion reads __metadata__.version (absent on a fresh database),
// writes the current library version, and reports whether the prior value
// disagreed with it.
func (db *DB) reconcileVersion(ctx context.Context) (bool, error) {
	meta, err := db.Dict(metadataDict)
	if err != nil {
		return false, err
	}
	prior, err := meta.Get(ctx, "version")
	skew := false
	if err == nil {
		if s, ok := prior.(string); ok && s != version.String {
			skew = true
			db.sub.Log().Warnf("beaverdb: version skew: on-disk %q, library %q", s, version.String)
		}
	}
	if setErr := meta.Set(ctx, "version", version.String, 0); setErr != nil {
		return false, setErr
	}
	return skew, nil
}

// Close drops every cached manager handle and closes the underlying
// substrate. It does not release locks held through those handles.
// Idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	db.managers = make(map[managerKey]any)
	db.mu.Unlock()
	return db.sub.Close()
}

// cacheFor builds the local coherent cache backing one manager's
// namespace, or a no-op cache when caching is disabled.
func (db *DB) cacheFor(kind, name string) cache.Cache {
	reg := versions.New(db.sub)
	if !db.opts.EnableCache {
		return cache.NewDummy(reg)
	}
	return cache.New(kind+":"+name, reg, db.opts.CheckInterval)
}

// getOrBuild returns the existing singleton for key, or builds, stores, and
// returns a fresh one via build.
func getOrBuild[T any](db *DB, kind, name string, build func() (T, error)) (T, error) {
	var zero T
	if name == "" {
		return zero, errs.ErrInvalidArgument
	}
	key := managerKey{kind: kind, name: name}

	db.mu.Lock()
	if existing, ok := db.managers[key]; ok {
		db.mu.Unlock()
		return existing.(T), nil
	}
	db.mu.Unlock()

	built, err := build()
	if err != nil {
		return zero, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.managers[key]; ok {
		return existing.(T), nil
	}
	db.managers[key] = built
	return built, nil
}

// Dict returns the process-singleton Dict named name, building it on first
// use.
func (db *DB) Dict(name string, opts ...dicts.Option) (*dicts.Dict, error) {
	return getOrBuild(db, "dict", name, func() (*dicts.Dict, error) {
		return dicts.New(db.sub, name, db.cacheFor("dict", name), append([]dicts.Option{dicts.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// List returns the process-singleton List named name, building it on first
// use.
func (db *DB) List(name string, opts ...lists.Option) (*lists.List, error) {
	return getOrBuild(db, "list", name, func() (*lists.List, error) {
		return lists.New(db.sub, name, db.cacheFor("list", name), append([]lists.Option{lists.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// Queue returns the process-singleton Queue named name, building it on
// first use.
func (db *DB) Queue(name string, opts ...queues.Option) (*queues.Queue, error) {
	return getOrBuild(db, "queue", name, func() (*queues.Queue, error) {
		return queues.New(db.sub, name, db.cacheFor("queue", name), append([]queues.Option{queues.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// Blob returns the process-singleton Blob store named name, building it on
// first use.
func (db *DB) Blob(name string, opts ...blobs.Option) (*blobs.Blob, error) {
	return getOrBuild(db, "blob", name, func() (*blobs.Blob, error) {
		return blobs.New(db.sub, name, db.cacheFor("blob", name), append([]blobs.Option{blobs.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// Log returns the process-singleton Log named name, building it on first
// use.
func (db *DB) Log(name string, opts ...logs.Option) (*logs.Log, error) {
	return getOrBuild(db, "log", name, func() (*logs.Log, error) {
		return logs.New(db.sub, name, db.cacheFor("log", name), append([]logs.Option{logs.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// Channel returns the process-singleton Channel named name, building it on
// first use. Channels carry no per-subscriber state, so they take no
// caching or lock options.
func (db *DB) Channel(name string) (*channels.Channel, error) {
	return getOrBuild(db, "channel", name, func() (*channels.Channel, error) {
		return channels.New(db.sub, name)
	})
}

// Collection returns the process-singleton Collection named name, building
// it on first use.
func (db *DB) Collection(name string, opts ...collections.Option) (*collections.Collection, error) {
	return getOrBuild(db, "collection", name, func() (*collections.Collection, error) {
		return collections.New(db.sub, name, db.cacheFor("collection", name), append([]collections.Option{collections.WithLockTTL(db.opts.LockTTL)}, opts...)...)
	})
}

// Lock returns the process-singleton named advisory Lock, building it on
// first use.
func (db *DB) Lock(name string, opts locks.Options) (*locks.Lock, error) {
	return getOrBuild(db, "lock", name, func() (*locks.Lock, error) {
		return locks.New(db.sub, name, opts)
	})
}

// names lists distinct values of column in table, excluding the internal
// "__"-prefixed namespaces (metadata and the like).
func (db *DB) names(ctx context.Context, table, column string) ([]string, error) {
	conn, err := db.sub.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s NOT LIKE '\_\_%%' ESCAPE '\'`, column, table, column))
	if err != nil {
		return nil, errs.Storage("list "+table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Storage("list "+table+" scan", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Dicts lists the names of every dict created in this database, excluding
// the reserved __metadata__ namespace.
func (db *DB) Dicts(ctx context.Context) ([]string, error) { return db.names(ctx, "beaver_dicts", "dict_name") }

// Lists lists the names of every list created in this database.
func (db *DB) Lists(ctx context.Context) ([]string, error) { return db.names(ctx, "beaver_lists", "list_name") }

// Queues lists the names of every queue created in this database.
func (db *DB) Queues(ctx context.Context) ([]string, error) {
	return db.names(ctx, "beaver_priority_queues", "queue_name")
}

// Blobs lists the names of every blob store created in this database.
func (db *DB) Blobs(ctx context.Context) ([]string, error) { return db.names(ctx, "beaver_blobs", "store_name") }

// Logs lists the names of every log created in this database.
func (db *DB) Logs(ctx context.Context) ([]string, error) { return db.names(ctx, "beaver_logs", "log_name") }

// Channels lists the names of every channel ever published to in this
// database.
func (db *DB) Channels(ctx context.Context) ([]string, error) {
	return db.names(ctx, "beaver_pubsub_log", "channel_name")
}

// Collections lists the names of every collection created in this
// database.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	return db.names(ctx, "beaver_collections", "collection")
}

// Locks lists the names of every lock with at least one waiter row
// (expired rows not yet reclaimed included). Names starting with "__",
// such as the managers' scoped locks, are excluded.
func (db *DB) Locks(ctx context.Context) ([]string, error) { return db.names(ctx, "beaver_lock_waiters", "lock_name") }
