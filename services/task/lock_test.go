package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockAcquireAndRelease(t *testing.T) {
	store := newTestStore(t)
	lock := NewTaskLock(nil, store.db, 10*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	handle, err := lock.Acquire(ctx, "dedup-key-1")
	require.NoError(t, err)

	// A second holder times out while the lock is held.
	_, err = lock.Acquire(ctx, "dedup-key-1")
	require.ErrorIs(t, err, ErrLockTimeout)

	handle.Release()

	// Released lock is immediately acquirable.
	handle2, err := lock.Acquire(ctx, "dedup-key-1")
	require.NoError(t, err)
	handle2.Release()
}

func TestLockIndependentKeys(t *testing.T) {
	store := newTestStore(t)
	lock := NewTaskLock(nil, store.db, 10*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	h1, err := lock.Acquire(ctx, "dedup-key-1")
	require.NoError(t, err)
	defer h1.Release()

	h2, err := lock.Acquire(ctx, "dedup-key-2")
	require.NoError(t, err)
	h2.Release()
}

func TestLockExpiredIsReaped(t *testing.T) {
	store := newTestStore(t)
	lock := NewTaskLock(nil, store.db, 30*time.Millisecond, 100*time.Millisecond)
	ctx := context.Background()

	// Acquire and abandon; the TTL frees the slot for the next caller.
	_, err := lock.Acquire(ctx, "dedup-key-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	handle, err := lock.Acquire(ctx, "dedup-key-1")
	require.NoError(t, err)
	handle.Release()
}

func TestLockReleaseIdempotent(t *testing.T) {
	store := newTestStore(t)
	lock := newTestLock(store)

	handle, err := lock.Acquire(context.Background(), "dedup-key-1")
	require.NoError(t, err)

	handle.Release()
	handle.Release()
}

func TestLockAcquireHonorsContext(t *testing.T) {
	store := newTestStore(t)
	lock := NewTaskLock(nil, store.db, 10*time.Second, 5*time.Second)

	h1, err := lock.Acquire(context.Background(), "dedup-key-1")
	require.NoError(t, err)
	defer h1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, "dedup-key-1")
	require.Error(t, err)
}
