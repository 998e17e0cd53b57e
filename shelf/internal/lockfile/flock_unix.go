//go:build unix

package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tryAcquire makes one non-blocking attempt to take the lock.
func tryAcquire(path, ownerID string) (*Lock, error) {
	// A releasing holder unlinks the marker before unlocking, so we may lock
	// an inode that is no longer reachable at path. Detect and retry.
	for range 3 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("lockfile: open marker: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
				return nil, ErrLocked
			}
			return nil, fmt.Errorf("lockfile: flock: %w", err)
		}

		held, errHeld := f.Stat()
		onDisk, errDisk := os.Stat(path)
		if errHeld == nil && errDisk == nil && os.SameFile(held, onDisk) {
			owner, err := writeOwner(f, ownerID)
			if err != nil {
				os.Remove(path)
				unlockFile(f)
				f.Close()
				return nil, err
			}
			return &Lock{path: path, file: f, owner: owner}, nil
		}
		unlockFile(f)
		f.Close()
	}
	return nil, ErrLocked
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// probe reports whether another open file holds the flock on path. A
// shared lock is taken and dropped at once; a concurrent non-blocking
// acquire may see ErrLocked during that window.
func probe(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lockfile: open marker: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return true, nil
		}
		return false, fmt.Errorf("lockfile: flock: %w", err)
	}
	return false, unlockFile(f)
}
