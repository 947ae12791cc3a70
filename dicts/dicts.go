// Package dicts implements the Dict manager: a namespaced key-value map
// with optional per-key TTL and lazy expiry on read.
package dicts

import (
	"context"
	"fmt"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/clock"
	"beaverdb/internal/errs"
	"beaverdb/internal/manager"
	"beaverdb/substrate"
)

const kind = "dict"

// Dict is one namespaced key-value map.
type Dict struct {
	*manager.Base
}

// Option configures a Dict at construction.
type Option func(*options)

type options struct {
	lockTTL time.Duration
}

// WithLockTTL overrides the default TTL of this dict's scoped lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// New builds (or resumes) the dict named name.
func New(db *substrate.DB, name string, c cache.Cache, opts ...Option) (*Dict, error) {
	o := options{lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := manager.New(db, kind, name, c, o.lockTTL)
	if err != nil {
		return nil, err
	}
	return &Dict{Base: base}, nil
}

func (d *Dict) cacheKey(key string) string { return d.Namespace() + ":" + key }

// Set upserts key with value. A positive ttl stores an absolute expiry;
// non-positive ttl other than the sentinel "no expiry" (0) is rejected.
func (d *Dict) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return errs.ErrInvalidArgument
	}
	if ttl < 0 {
		return errs.ErrInvalidArgument
	}
	payload, err := substrate.MarshalJSON(value)
	if err != nil {
		return err
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = clock.NowSeconds() + ttl.Seconds()
	}

	return cache.Invalidate(d.Cache, d.cacheKey(key), func() error {
		conn, err := d.DB.SQL()
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO beaver_dicts (dict_name, key, value, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(dict_name, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		`, d.Name, key, payload, expiresAt); err != nil {
			return errs.Storage("dict set", err)
		}
		return d.Bump(ctx)
	})
}

// Get returns key's value, purging and reporting absence if it has expired.
// If the key is absent, Get returns def (when provided via GetDefault) or
// errs.ErrKeyAbsent.
func (d *Dict) Get(ctx context.Context, key string) (any, error) {
	e, err := manager.CachedRead(d.Base, d.cacheKey(key), func() (dictEntry, error) {
		return d.loadEntry(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if e.expiresAt != nil && clock.NowSeconds() > *e.expiresAt {
		// A cached entry may outlive its TTL; reload so the row is purged.
		d.Cache.Pop(d.cacheKey(key))
		return d.load(ctx, key)
	}
	return e.value, nil
}

// GetDefault returns key's value, or def if the key is absent or expired.
func (d *Dict) GetDefault(ctx context.Context, key string, def any) any {
	v, err := d.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// dictEntry is a loaded value with its absolute expiry (nil for none).
type dictEntry struct {
	value     any
	expiresAt *float64
}

func (d *Dict) load(ctx context.Context, key string) (any, error) {
	e, err := d.loadEntry(ctx, key)
	return e.value, err
}

func (d *Dict) loadEntry(ctx context.Context, key string) (dictEntry, error) {
	conn, err := d.DB.SQL()
	if err != nil {
		return dictEntry{}, err
	}
	var payload string
	var expiresAt *float64
	row := conn.QueryRowContext(ctx, `SELECT value, expires_at FROM beaver_dicts WHERE dict_name = ? AND key = ?`, d.Name, key)
	if err := row.Scan(&payload, &expiresAt); err != nil {
		return dictEntry{}, errs.ErrKeyAbsent
	}
	if expiresAt != nil && clock.NowSeconds() > *expiresAt {
		_, _ = conn.ExecContext(ctx, `DELETE FROM beaver_dicts WHERE dict_name = ? AND key = ?`, d.Name, key)
		return dictEntry{}, errs.ErrKeyAbsent
	}
	var v any
	if err := substrate.UnmarshalJSON(payload, &v); err != nil {
		return dictEntry{}, err
	}
	return dictEntry{value: v, expiresAt: expiresAt}, nil
}

// Delete removes key, if present.
func (d *Dict) Delete(ctx context.Context, key string) error {
	return cache.Invalidate(d.Cache, d.cacheKey(key), func() error {
		conn, err := d.DB.SQL()
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM beaver_dicts WHERE dict_name = ? AND key = ?`, d.Name, key); err != nil {
			return errs.Storage("dict delete", err)
		}
		return d.Bump(ctx)
	})
}

// Pop removes key and returns its value, failing with errs.ErrKeyAbsent if absent.
func (d *Dict) Pop(ctx context.Context, key string) (any, error) {
	v, err := d.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := d.Delete(ctx, key); err != nil {
		return nil, err
	}
	return v, nil
}

// Contains reports whether key is present and unexpired.
func (d *Dict) Contains(ctx context.Context, key string) (bool, error) {
	_, err := d.load(ctx, key)
	if err == errs.ErrKeyAbsent {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of live (unexpired) entries.
func (d *Dict) Len(ctx context.Context) (int, error) {
	conn, err := d.DB.SQL()
	if err != nil {
		return 0, err
	}
	now := clock.NowSeconds()
	var n int
	row := conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM beaver_dicts WHERE dict_name = ? AND (expires_at IS NULL OR expires_at >= ?)
	`, d.Name, now)
	if err := row.Scan(&n); err != nil {
		return 0, errs.Storage("dict len", err)
	}
	return n, nil
}

// Keys returns every live key.
func (d *Dict) Keys(ctx context.Context) ([]string, error) {
	items, err := d.Items(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Values returns every live value.
func (d *Dict) Values(ctx context.Context) ([]any, error) {
	items, err := d.Items(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(items))
	for _, v := range items {
		values = append(values, v)
	}
	return values, nil
}

// Items returns every live (key, value) pair, purging expired rows as a
// side effect.
func (d *Dict) Items(ctx context.Context) (map[string]any, error) {
	conn, err := d.DB.SQL()
	if err != nil {
		return nil, err
	}
	now := clock.NowSeconds()
	rows, err := conn.QueryContext(ctx, `SELECT key, value, expires_at FROM beaver_dicts WHERE dict_name = ?`, d.Name)
	if err != nil {
		return nil, errs.Storage("dict items", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	var expiredKeys []string
	for rows.Next() {
		var key, payload string
		var expiresAt *float64
		if err := rows.Scan(&key, &payload, &expiresAt); err != nil {
			return nil, errs.Storage("dict items scan", err)
		}
		if expiresAt != nil && now > *expiresAt {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		var v any
		if err := substrate.UnmarshalJSON(payload, &v); err != nil {
			return nil, err
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("dict items rows", err)
	}
	for _, k := range expiredKeys {
		_, _ = conn.ExecContext(ctx, `DELETE FROM beaver_dicts WHERE dict_name = ? AND key = ?`, d.Name, k)
	}
	return out, nil
}

// Dump returns a snapshot suitable for serialization: every live key/value.
func (d *Dict) Dump(ctx context.Context) (map[string]any, error) {
	return d.Items(ctx)
}

// String implements fmt.Stringer for debugging.
func (d *Dict) String() string { return fmt.Sprintf("dict(%s)", d.Name) }
