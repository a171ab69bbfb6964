package budget

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// fileLock is a flock-based advisory lock shared by the supervisor and
// worker processes. The lock file records the holder's PID and acquire
// time; a lock file older than the staleness window whose flock cannot be
// taken is reclaimed, covering holders that died without the kernel
// releasing cleanly (e.g. a different mount of the same state directory).
type fileLock struct {
	path  string
	stale time.Duration
	file  *os.File
}

func newFileLock(path string, stale time.Duration) *fileLock {
	return &fileLock{path: path, stale: stale}
}

// acquire takes the lock, waiting up to wait and reclaiming a stale lock
// file if one is found.
func (fl *fileLock) acquire(wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := fl.tryLock()
		if err == nil {
			return nil
		}

		if fl.reclaimIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("acquire state lock %s: %w", fl.path, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (fl *fileLock) tryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("flock: %w", err)
	}

	// A stale reclaim may have unlinked or replaced the path between open
	// and flock. A lock on a detached inode excludes nobody.
	if !lockedFileCurrent(f, fl.path) {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("lock file %s replaced during acquire", fl.path)
	}

	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write lock file: %w", err)
	}

	fl.file = f
	return nil
}

// reclaimIfStale removes the lock file when it has not been refreshed
// within the staleness window. Returns true when a reclaim happened and
// the caller should retry immediately.
func (fl *fileLock) reclaimIfStale() bool {
	if fl.stale <= 0 {
		return false
	}
	info, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < fl.stale {
		return false
	}
	return os.Remove(fl.path) == nil
}

// lockedFileCurrent reports whether the locked fd still refers to the
// inode at path.
func lockedFileCurrent(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// release drops the flock but leaves the lock file in place. Unlinking it
// would let a waiter with an fd to the old inode and a newcomer on the
// fresh file hold the lock at the same time.
func (fl *fileLock) release() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release state lock: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}
