//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jasonberkes/ses-local/internal/errors"
)

// LockFile is the single-instance lock's filename under the base
// directory.
const LockFile = "daemon.lock"

// Lock holds the single-instance flock for the life of the process.
type Lock struct {
	file *os.File
}

// AcquireLock takes a non-blocking exclusive flock. A held lock means
// another daemon owns this base directory.
func AcquireLock(baseDir string) (*Lock, error) {
	path := filepath.Join(baseDir, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.NewFatal("another ses-local instance is already running")
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	// Best effort; the flock is the authority, the pid is for humans.
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{file: f}, nil
}

// Release drops the flock. The file stays behind; flocks do not survive
// the descriptor.
func (l *Lock) Release() error {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
