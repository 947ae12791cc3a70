package beaverdb

import (
	"time"

	"github.com/sirupsen/logrus"

	"beaverdb/substrate"
)

// Options configures Open and the defaults every factory method inherits
// unless overridden by its own per-call Option.
type Options struct {
	// Timeout bounds SQLite's busy_timeout for lock contention between
	// processes sharing the file.
	Timeout time.Duration
	// CheckInterval bounds how often a manager's local cache revalidates
	// against the version registry.
	CheckInterval time.Duration
	// LockTTL is the default TTL passed to a manager's scoped lock.
	LockTTL time.Duration
	// EnableCache toggles the local coherent cache; false wires every
	// manager to a no-op cache.Cache so reads always hit storage.
	EnableCache bool
	// Logger receives structured diagnostics; defaults to logrus's standard
	// logger when nil.
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func (o Options) substrateOptions() substrate.Options {
	return substrate.Options{Timeout: o.Timeout, Logger: o.Logger}
}
