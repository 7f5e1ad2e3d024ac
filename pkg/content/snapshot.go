package content

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
)

// Item records that a path currently holds content with the given hash.
type Item struct {
	Path Path
	Hash Hash
}

// Snapshot is the content of a unit's tree at a point in time.
type Snapshot map[Path]Item

// Add updates the Snapshot.
func (snapshot Snapshot) Add(item Item) {
	snapshot[item.Path] = item
}

// Paths returns the paths in the snapshot in a stable order.
func (snapshot Snapshot) Paths() []Path {
	paths := make([]Path, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].Less(paths[j])
	})
	return paths
}

// Equal returns whether both snapshots contain the same paths with the same
// content.
func (snapshot Snapshot) Equal(other Snapshot) bool {
	if len(snapshot) != len(other) {
		return false
	}
	for p, item := range snapshot {
		if otherItem, ok := other[p]; !ok || otherItem.Hash != item.Hash {
			return false
		}
	}
	return true
}

// SnapshotDir walks root and hashes every regular file beneath it. The
// resulting paths are relative to root and tagged with `location`. Top level
// entries named in `except` are skipped, which is used to keep the
// environment's own state out of snapshots of its home.
//
// A root that doesn't exist results in an empty snapshot, so that a missing
// directory can stand in for "nothing installed".
func SnapshotDir(fs afero.Fs, root, location string, except ...string) (Snapshot, error) {
	snapshot := Snapshot{}
	if root == "" {
		return snapshot, nil
	}

	exists, err := afero.DirExists(fs, root)
	if err != nil {
		return nil, errors.WithContext(err, "stat root")
	}
	if !exists {
		log.WithField("root", root).Debug("Snapshot root doesn't exist. Treating it as empty.")
		return snapshot, nil
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relativePath, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		if strings.HasPrefix(relativePath, "..") {
			return errors.Errorf("%s is outside of %s", path, root)
		}

		if relativePath == "." {
			return nil
		}

		if isExcluded(relativePath, except) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		p, err := NewPath(location, filepath.ToSlash(relativePath))
		if err != nil {
			return err
		}

		contentsHash, err := HashFile(fs, path)
		if err != nil {
			return errors.WithContext(err, "hash "+path)
		}

		snapshot.Add(Item{Path: p, Hash: contentsHash})
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "walk "+root)
	}
	return snapshot, nil
}

func isExcluded(relativePath string, except []string) bool {
	top := strings.SplitN(filepath.ToSlash(relativePath), "/", 2)[0]
	for _, exception := range except {
		if top == exception {
			return true
		}
	}
	return false
}
