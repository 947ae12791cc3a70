// Package blobs implements the Blob manager: binary payloads keyed by
// name, with optional JSON metadata.
package blobs

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/errs"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
)

const kind = "blob"

// Blob is one named binary object store.
type Blob struct {
	*manager.Base
}

// Option configures a Blob at construction.
type Option func(*options)

type options struct {
	lockTTL time.Duration
}

// WithLockTTL overrides the default TTL of this store's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// New builds (or resumes) the blob store named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*Blob, error) {
	o := options{lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	return &Blob{Base: base}, nil
}

func (b *Blob) cacheKey(key string) string { return b.Namespace() + ":" + key }

// Put stores data under key with optional metadata. An empty key or nil
// data is rejected with errs.ErrInvalidArgument.
func (b *Blob) Put(ctx context.Context, key string, data []byte, metadata any) error {
	if key == "" {
		return errs.ErrInvalidArgument
	}
	if data == nil {
		return errs.ErrInvalidArgument
	}

	var metaPayload any
	if metadata != nil {
		encoded, err := substrate.MarshalJSON(metadata)
		if err != nil {
			return err
		}
		metaPayload = encoded
	}

	return cache.Invalidate(b.Cache, b.cacheKey(key), func() error {
		conn, err := b.DB.SQL()
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO beaver_blobs (store_name, key, data, metadata) VALUES (?, ?, ?, ?)
			ON CONFLICT(store_name, key) DO UPDATE SET data = excluded.data, metadata = excluded.metadata
		`, b.Name, key, data, metaPayload); err != nil {
			return errs.Storage("blob put", err)
		}
		return b.Bump(ctx)
	})
}

type entry struct {
	Data     []byte
	Metadata any
}

func (b *Blob) load(ctx context.Context, key string) (entry, error) {
	conn, err := b.DB.SQL()
	if err != nil {
		return entry{}, err
	}
	var data []byte
	var metaPayload *string
	row := conn.QueryRowContext(ctx, `SELECT data, metadata FROM beaver_blobs WHERE store_name = ? AND key = ?`, b.Name, key)
	if err := row.Scan(&data, &metaPayload); err != nil {
		if err == sql.ErrNoRows {
			return entry{}, errs.ErrKeyAbsent
		}
		return entry{}, errs.Storage("blob get", err)
	}
	var meta any
	if metaPayload != nil {
		if err := substrate.UnmarshalJSON(*metaPayload, &meta); err != nil {
			return entry{}, err
		}
	}
	return entry{Data: data, Metadata: meta}, nil
}

// Get returns the raw payload and metadata stored under key, failing with
// errs.ErrKeyAbsent if absent.
func (b *Blob) Get(ctx context.Context, key string) ([]byte, any, error) {
	e, err := manager.CachedRead(b.Base, b.cacheKey(key), func() (entry, error) {
		return b.load(ctx, key)
	})
	if err != nil {
		return nil, nil, err
	}
	return e.Data, e.Metadata, nil
}

// Delete removes key, failing with errs.ErrKeyAbsent if it doesn't exist.
func (b *Blob) Delete(ctx context.Context, key string) error {
	return cache.Invalidate(b.Cache, b.cacheKey(key), func() error {
		conn, err := b.DB.SQL()
		if err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, `DELETE FROM beaver_blobs WHERE store_name = ? AND key = ?`, b.Name, key)
		if err != nil {
			return errs.Storage("blob delete", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Storage("blob delete rows affected", err)
		}
		if n == 0 {
			return errs.ErrKeyAbsent
		}
		return b.Bump(ctx)
	})
}

// Contains reports whether key is present.
func (b *Blob) Contains(ctx context.Context, key string) (bool, error) {
	_, _, err := b.Get(ctx, key)
	if err == errs.ErrKeyAbsent {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of stored blobs.
func (b *Blob) Len(ctx context.Context) (int, error) {
	conn, err := b.DB.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	row := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM beaver_blobs WHERE store_name = ?`, b.Name)
	if err := row.Scan(&n); err != nil {
		return 0, errs.Storage("blob len", err)
	}
	return n, nil
}

// Iter returns every key in the store.
func (b *Blob) Iter(ctx context.Context) ([]string, error) {
	conn, err := b.DB.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT key FROM beaver_blobs WHERE store_name = ?`, b.Name)
	if err != nil {
		return nil, errs.Storage("blob iter", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Storage("blob iter scan", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DumpEntry is one base64-encoded blob snapshot row.
type DumpEntry struct {
	Data     string `json:"data"`
	Metadata any    `json:"metadata,omitempty"`
}

// Dump returns every key mapped to its base64-encoded payload and metadata,
// suitable for serialization.
func (b *Blob) Dump(ctx context.Context) (map[string]DumpEntry, error) {
	conn, err := b.DB.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT key, data, metadata FROM beaver_blobs WHERE store_name = ?`, b.Name)
	if err != nil {
		return nil, errs.Storage("blob dump", err)
	}
	defer rows.Close()

	out := make(map[string]DumpEntry)
	for rows.Next() {
		var key string
		var data []byte
		var metaPayload *string
		if err := rows.Scan(&key, &data, &metaPayload); err != nil {
			return nil, errs.Storage("blob dump scan", err)
		}
		var meta any
		if metaPayload != nil {
			if err := substrate.UnmarshalJSON(*metaPayload, &meta); err != nil {
				return nil, err
			}
		}
		out[key] = DumpEntry{Data: base64.StdEncoding.EncodeToString(data), Metadata: meta}
	}
	return out, rows.Err()
}

// String implements fmt.Stringer for debugging.
func (b *Blob) String() string { return fmt.Sprintf("blob(%s)", b.Name) }
