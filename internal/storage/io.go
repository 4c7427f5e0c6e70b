// Package storage implements the two-tier backlink store: an append-mostly
// live tier optimised for writes and a sorted compacted tier optimised for
// reads, plus the registry and lifecycle that move data between them.
package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// preadFull reads exactly len(buf) bytes at off.
func preadFull(f *os.File, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("pread %s @%d: %w", f.Name(), off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("pread %s @%d: short read (%d of %d)", f.Name(), off, n, len(buf))
	}
	return nil
}

// pwriteFull writes all of buf at off.
func pwriteFull(f *os.File, buf []byte, off int64) error {
	if _, err := f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pwrite %s @%d: %w", f.Name(), off, err)
	}
	return nil
}

// flockExclusive takes the advisory exclusive lock on f, blocking until it
// is granted. EINTR is retried.
func flockExclusive(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		return nil
	}
}

// flockUnlock drops the advisory lock. Best-effort by design: the lock dies
// with the descriptor anyway.
func flockUnlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// fileSize returns the size of the file at path, or 0 if it does not exist.
func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
