// Package fsutil contains filesystem helpers shared by the packages that
// write to the installation home and the state directory.
package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
)

// WriteAtomic writes the contents of r to path. The contents are first
// written to a temporary file in the same directory, which is renamed over
// path once everything has been written, so readers never see a partially
// written file. Parent directories are created as needed.
//
// If r returns an error, the temporary file is removed and path is left
// untouched.
func WriteAtomic(fs afero.Fs, path string, r io.Reader, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			if removeErr := fs.Remove(tmpPath); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).WithField("path", tmpPath).
					Warn("Failed to remove temp file")
			}
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.WithContext(err, "write")
	}

	if err = tmp.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	if err = fs.Chmod(tmpPath, perm); err != nil {
		return errors.WithContext(err, "chmod")
	}

	if err = fs.Rename(tmpPath, path); err != nil {
		return errors.WithContext(err, "rename")
	}
	return nil
}

// WriteFileAtomic is WriteAtomic for in-memory contents.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	return WriteAtomic(fs, path, bytes.NewReader(data), perm)
}

// PruneEmptyDirs removes dir and its ancestors as long as they're empty. It
// never removes root or anything outside of it. Failures are logged rather
// than returned since leftover empty directories are harmless.
func PruneEmptyDirs(fs afero.Fs, dir, root string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); isWithin(dir, root); dir = filepath.Dir(dir) {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.WithError(err).WithField("dir", dir).Debug("Failed to list directory")
				return
			}
			continue
		}

		if len(entries) != 0 {
			return
		}

		if err := fs.Remove(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Debug("Failed to remove empty directory")
			return
		}
	}
}

// isWithin returns whether path is strictly beneath root.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Exists returns whether a file or directory exists at path.
func Exists(fs afero.Fs, path string) (bool, error) {
	_, err := fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}
