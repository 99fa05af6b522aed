package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by TryLock/TryRLock when the lock is held by
	// another process, or by *WithTimeout when the acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker provides file-based locking using flock(2).
//
// flock locks an inode (the open file), not a pathname. Callers should lock
// a dedicated, stable lock file path (e.g. "zumic.aof.lock") and avoid
// replacing/unlinking that path while locks may be held.
//
// Zumic uses Locker in store.Open, which takes an exclusive lock on
// zumic.lock in the data directory and holds it until Close, so two
// processes never replay or append to the same AOF segment.
//
// Locker has no internal mutable state beyond its dependencies. It is safe
// for concurrent use as long as the underlying [FS] implementation is safe
// for concurrent use (see [FS] docs).
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

// Lock acquires an exclusive lock on the file at path, blocking until the
// lock is available.
//
// If the file or its parent directories do not exist, they are created
// lazily. The lock is held on the exact path provided, not a temporary file.
//
// This method blocks in the kernel with no timeout. Use
// [Locker.LockWithTimeout] or [Locker.TryLock] if you need cancellation.
func (l *Locker) Lock(path string) (*Lock, error) {
	return l.lockBlocking(path, exclusiveLock)
}

// RLock acquires a shared (read) lock on the file at path, blocking until
// the lock is available.
func (l *Locker) RLock(path string) (*Lock, error) {
	return l.lockBlocking(path, sharedLock)
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff until the timeout expires.
//
// Returns [ErrWouldBlock] if the timeout expires before the lock is
// acquired. Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, exclusiveLock, timeout)
}

// TryLock attempts to acquire an exclusive lock without blocking.
//
// Returns immediately with [ErrWouldBlock] if the lock is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0)
}

func (l *Locker) lockBlocking(path string, lt lockType) (*Lock, error) {
	openFlag := openFlagForLockType(lt)

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt, false)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// lockPolling attempts to acquire a lock using non-blocking flock with retries.
//
//   - timeout == 0: try once (TryLock behavior)
//   - timeout > 0: retry with backoff until timeout (LockWithTimeout behavior)
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond
	openFlag := openFlagForLockType(lt)

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt, true)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// acquire attempts to flock the given file and verify the inode still
// matches path. On failure, the file is unlocked (if needed) but NOT
// closed - the caller must close it.
func (l *Locker) acquire(file File, path string, lt lockType, nonBlocking bool) error {
	fd := int(file.Fd())

	flags := int(lt)
	if nonBlocking {
		flags |= unix.LOCK_NB
	}

	if err := flockRetryEINTR(l.flock, fd, flags); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}
		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}
		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open fd we're about to use as the
// lock) still refers to the file currently at path. flock locks by inode,
// not pathname, and pathnames can be replaced (rename, delete+recreate)
// during/while waiting for lock acquisition; without this check two callers
// could each believe they hold "the lock on path" while really holding
// locks on two different inodes.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		pathInfo, err := l.fs.Stat(path)
		if err != nil {
			return false, err
		}

		return os.SameFile(openInfo, pathInfo), nil
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return os.SameFile(openInfo, pathInfo), nil
	}

	return uint64(openSys.Dev) == uint64(pathSys.Dev) && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// We cap retries to avoid spinning forever under pathological signal
// storms; in practice this limit is never hit.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
