// Package versions is the version registry: a single table of monotonic
// per-namespace counters used to invalidate the local coherent cache
// across threads and processes.
package versions

import (
	"context"
	"database/sql"

	"beaverdb/internal/errs"
	"beaverdb/substrate"
)

// Registry mediates beaver_manager_versions.
type Registry struct {
	db *substrate.DB
}

// New builds a Registry over db.
func New(db *substrate.DB) *Registry {
	return &Registry{db: db}
}

// Bump atomically increments namespace's version (inserting it at 1 if
// absent) and returns the new value. The contract is that the
// returned version is observable by every other process immediately upon
// commit — a single UPSERT...RETURNING statement gives us that for free.
func (r *Registry) Bump(ctx context.Context, namespace string) (uint64, error) {
	conn, err := r.db.SQL()
	if err != nil {
		return 0, err
	}
	return bumpOn(ctx, conn, namespace)
}

// BumpTx is Bump run against an already-open transaction, so a caller can
// commit the version bump atomically with the rest of a multi-table write.
func (r *Registry) BumpTx(ctx context.Context, tx *sql.Tx, namespace string) (uint64, error) {
	return bumpOn(ctx, tx, namespace)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func bumpOn(ctx context.Context, q execQuerier, namespace string) (uint64, error) {
	var version uint64
	err := q.QueryRowContext(ctx, `
		INSERT INTO beaver_manager_versions (namespace, version) VALUES (?, 1)
		ON CONFLICT(namespace) DO UPDATE SET version = version + 1
		RETURNING version
	`, namespace).Scan(&version)
	if err != nil {
		return 0, errs.Storage("bump version", err)
	}
	return version, nil
}

// Get returns namespace's current version, or 0 if it has never been
// touched.
func (r *Registry) Get(ctx context.Context, namespace string) (uint64, error) {
	conn, err := r.db.SQL()
	if err != nil {
		return 0, err
	}
	var version uint64
	err = conn.QueryRowContext(ctx, `SELECT version FROM beaver_manager_versions WHERE namespace = ?`, namespace).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage("get version", err)
	}
	return version, nil
}
