// Package manager holds the shared scaffolding every data-structure manager
// (dict, list, queue, blob, log, collection) is built from: a concrete struct
// carrying (name, handle, cache key, lock name), composed rather than
// inherited, following a Config-struct-plus-New constructor shape.
package manager

import (
	"context"
	"fmt"
	"time"

	"beaverdb/cache"
	"beaverdb/internal/errs"
	"beaverdb/locks"
	"beaverdb/substrate"
	"beaverdb/versions"
)

// Base is embedded by every manager type. It is not itself exported as a
// capability; each manager exposes its own typed operations and uses Base
// for the cache/lock/version plumbing common to all of them.
type Base struct {
	Kind string
	Name string

	DB       *substrate.DB
	Versions *versions.Registry
	Cache    cache.Cache
	Lock     *locks.Lock
}

// Namespace is the "{kind}:{name}" cache/version key for this manager.
func (b *Base) Namespace() string {
	return fmt.Sprintf("%s:%s", b.Kind, b.Name)
}

// LockName is the manager's public scoped-acquisition lock name,
// "__lock__{kind}__{name}".
func LockName(kind, name string) string {
	return fmt.Sprintf("__lock__%s__%s", kind, name)
}

// New builds a Base for (kind, name), rejecting an empty name with
// an invalid-argument error.
func New(db *substrate.DB, kind, name string, c cache.Cache, ttl time.Duration) (*Base, error) {
	if name == "" {
		return nil, errs.ErrInvalidArgument
	}
	reg := versions.New(db)
	lock, err := locks.New(db, LockName(kind, name), locks.Options{TTL: ttl})
	if err != nil {
		return nil, err
	}
	return &Base{Kind: kind, Name: name, DB: db, Versions: reg, Cache: c, Lock: lock}, nil
}

// Bump unconditionally advances this namespace's version — every mutating
// method calls this directly rather than going through the cache's Touch,
// so version-bumping happens regardless of whether caching is enabled.
func (b *Base) Bump(ctx context.Context) error {
	_, err := b.Versions.Bump(ctx, b.Namespace())
	return err
}

// Invalidate clears key from this manager's cache, the "invalidates-write"
// decorator contract, applied after a write whether it
// succeeded or failed.
func (b *Base) Invalidate(key string) {
	b.Cache.Pop(key)
}

// CachedRead applies the "cached-read" decorator contract: skip
// the cache while the caller holds this manager's own lock (so a batched
// operation sees its own in-flight writes), otherwise consult it.
func CachedRead[T any](b *Base, key string, load func() (T, error)) (T, error) {
	if b.Lock.Held() {
		return load()
	}
	return cache.Cached(b.Cache, key, load)
}
