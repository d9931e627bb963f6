//go:build windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"

	"github.com/jasonberkes/ses-local/internal/errors"
)

const LockFile = "daemon.lock"

// Lock holds an exclusive no-share handle on the lock file. The OS
// releases it if the process dies, so crashes never wedge restarts.
type Lock struct {
	handle windows.Handle
}

func AcquireLock(baseDir string) (*Lock, error) {
	path := filepath.Join(baseDir, LockFile)
	namePtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}

	handle, err := windows.CreateFile(namePtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, // no sharing: a second open fails while we live
		nil, windows.OPEN_ALWAYS, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		if err == windows.ERROR_SHARING_VIOLATION {
			return nil, errors.NewFatal("another ses-local instance is already running")
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	pid := []byte(fmt.Sprintf("%d\n", os.Getpid()))
	var written uint32
	windows.WriteFile(handle, pid, &written, nil)

	return &Lock{handle: handle}, nil
}

func (l *Lock) Release() error {
	return windows.CloseHandle(l.handle)
}
