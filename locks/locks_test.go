package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/internal/errs"
	"beaverdb/substrate"
)

func newTestDB(t *testing.T) *substrate.DB {
	t.Helper()
	db, err := substrate.Open(":memory:", substrate.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "L", Options{TTL: time.Second, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}))
	assert.True(t, l.Held())
	require.NoError(t, l.Release(context.Background()))
	assert.False(t, l.Held())
}

func TestAcquireIsReentrantNoOp(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "L", Options{})
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}))
	require.NoError(t, l.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}))
}

func TestNonBlockingAcquireFailsWhenHeld(t *testing.T) {
	db := newTestDB(t)
	holder, err := New(db, "L", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(context.Background(), AcquireOptions{Block: true}))

	contender, err := New(db, "L", Options{TTL: time.Minute})
	require.NoError(t, err)
	err = contender.Acquire(context.Background(), AcquireOptions{Block: false})
	assert.Error(t, err)
	assert.False(t, contender.Held())
}

func TestBlockingAcquireTimesOut(t *testing.T) {
	db := newTestDB(t)
	holder, err := New(db, "L", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(context.Background(), AcquireOptions{Block: true}))

	contender, err := New(db, "L", Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	err = contender.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestFairnessSecondWaiterWaitsForFirst(t *testing.T) {
	db := newTestDB(t)
	holder, err := New(db, "L", Options{TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(context.Background(), AcquireOptions{Block: true}))

	p2, err := New(db, "L", Options{PollInterval: 5 * time.Millisecond, TTL: time.Minute})
	require.NoError(t, err)
	p3, err := New(db, "L", Options{PollInterval: 5 * time.Millisecond, TTL: time.Minute})
	require.NoError(t, err)

	p2done := make(chan error, 1)
	go func() { p2done <- p2.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}) }()
	time.Sleep(10 * time.Millisecond)
	p3done := make(chan error, 1)
	go func() { p3done <- p3.Acquire(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}) }()

	require.NoError(t, holder.Release(context.Background()))

	require.NoError(t, <-p2done)
	assert.True(t, p2.Held())

	select {
	case err := <-p3done:
		t.Fatalf("p3 should still be waiting on p2, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p2.Release(context.Background()))
	require.NoError(t, <-p3done)
	assert.True(t, p3.Held())
}

func TestClearOnNonexistentLockSucceeds(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "ghost", Options{})
	require.NoError(t, err)
	assert.NoError(t, l.Clear(context.Background()))
}

func TestReleaseOnUnheldLockSucceeds(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "L", Options{})
	require.NoError(t, err)
	assert.NoError(t, l.Release(context.Background()))
}

func TestRenewReportsLossWhenRowGone(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "L", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background(), AcquireOptions{Block: true}))

	ok, err := l.Renew(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Clear(context.Background()))
	ok, err = l.Renew(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoEntersAndExits(t *testing.T) {
	db := newTestDB(t)
	l, err := New(db, "L", Options{})
	require.NoError(t, err)

	ran := false
	err = l.Do(context.Background(), AcquireOptions{Block: true, Timeout: time.Second}, func(ctx context.Context) error {
		ran = true
		assert.True(t, l.Held())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, l.Held())
}
