// Package lock prevents multiple operations from running against the same
// environment at once.
package lock

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/provision/pkg/errors"
)

// FileName is the name of the lock file within the state directory.
const FileName = "lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.NewFriendlyError("Another provision operation is " +
	"already running against this environment.\n" +
	"Wait for it to finish, and try again.")

// errHeld is returned by lockFile when another process holds the lock.
var errHeld = errors.New("lock is held by another process")

// Lock is an exclusive advisory lock on a state directory. It's released
// automatically if the process exits.
type Lock struct {
	f *os.File
}

// Acquire takes the lock for stateDir without blocking. It returns ErrLocked
// if the lock is already held.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, errors.WithContext(err, "create state directory")
	}

	path := filepath.Join(stateDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.WithContext(err, "open lock file")
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if err == errHeld {
			return nil, ErrLocked
		}
		return nil, errors.WithContext(err, "lock "+path)
	}

	log.WithField("path", path).Debug("Acquired lock")
	return &Lock{f: f}, nil
}

// Release gives up the lock.
func (l *Lock) Release() error {
	defer l.f.Close()
	if err := unlockFile(l.f); err != nil {
		return errors.WithContext(err, "unlock")
	}
	return nil
}
