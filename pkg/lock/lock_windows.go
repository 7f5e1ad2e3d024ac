//go:build windows

package lock

import (
	"os"

	"golang.org/x/sys/windows"
)

// The whole file is locked by locking the maximum byte range.
const allBytes = ^uint32(0)

func lockFile(f *os.File) error {
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, allBytes, allBytes, &windows.Overlapped{})
	if err == windows.ERROR_LOCK_VIOLATION {
		return errHeld
	}
	return err
}

func unlockFile(f *os.File) error {
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, allBytes, allBytes,
		&windows.Overlapped{})
}
