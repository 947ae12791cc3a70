// Package clock centralizes the time and jitter helpers used by every
// polling loop in beaverdb (lock acquire, blocking queue get, log tail,
// channel subscribe) so the jitter formula lives in one place.
package clock

import (
	"math/rand"
	"time"
)

// NowSeconds returns the current time as seconds-since-epoch, the unit every
// timestamp column in the schema uses (REAL in SQLite).
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Jitter returns d adjusted by up to ±pct of itself (pct is a fraction:
// 0.1 means ±10%), used to de-synchronize
// concurrent pollers against the same lock or queue.
func Jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	spread := float64(d) * pct
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}
