package fs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocker_TryLock_ReturnsErrWouldBlock_WhenPathIsLocked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "zumic.aof.lock")

	lock1, err := locker.TryLock(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock1.Close() })

	lock2, err := locker.TryLock(path)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.Nil(t, lock2)

	require.NoError(t, lock1.Close())

	lock3, err := locker.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, lock3.Close())
}

func TestLocker_LockWithTimeout_ReturnsErrWouldBlock_WhenPathIsLocked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "zumic.aof.lock")

	lock1, err := locker.Lock(path)
	require.NoError(t, err)
	defer lock1.Close()

	_, err = locker.LockWithTimeout(path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.Contains(t, err.Error(), "timed out")
}

func TestLocker_LockWithTimeout_RejectsNonPositiveTimeout(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "zumic.aof.lock")

	_, err := locker.LockWithTimeout(path, 0)
	require.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestLocker_RLock_AllowsMultipleReaders(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "zumic.cluster.slotmap.lock")

	r1, err := locker.RLock(path)
	require.NoError(t, err)
	defer r1.Close()

	r2, err := locker.RLock(path)
	require.NoError(t, err)
	defer r2.Close()

	_, err = locker.TryLock(path)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestLocker_Lock_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "nested", "dir", "zumic.aof.lock")

	lock, err := locker.Lock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Close())
}
