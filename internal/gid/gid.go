// Package gid fingerprints the calling goroutine. Go has no public notion of
// "the current thread", so per-connection confinement is enforced the same
// way several goroutine-local-storage shims in the wild do it: parse the
// goroutine id out of a runtime.Stack dump. It is a fingerprint for a misuse
// check, not a scheduling primitive — never used on a hot path.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the id of the calling goroutine.
func Current() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
