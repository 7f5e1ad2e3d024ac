package content

import (
	"io"

	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
)

// Source provides the bytes for a given content hash. The engine reads new
// content from a Source when it adds or replaces files.
type Source interface {
	Open(h Hash) (io.ReadCloser, error)
}

// SnapshotSource serves content straight out of a directory that was
// snapshotted, e.g. the staging tree an instruction was diffed against.
type SnapshotSource struct {
	fs    afero.Fs
	files map[Hash]string
}

// NewSnapshotSource returns a Source for the files in snapshot, which must
// have been taken of root.
func NewSnapshotSource(fs afero.Fs, root string, snapshot Snapshot) *SnapshotSource {
	files := map[Hash]string{}
	for p, item := range snapshot {
		files[item.Hash] = p.Join(root)
	}
	return &SnapshotSource{fs: fs, files: files}
}

// Open implements Source.
func (src *SnapshotSource) Open(h Hash) (io.ReadCloser, error) {
	path, ok := src.files[h]
	if !ok {
		return nil, errors.Errorf("no content with hash %s", h.Short())
	}

	f, err := src.fs.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}
	return f, nil
}

// Sources tries each Source in order.
type Sources []Source

// Open implements Source.
func (sources Sources) Open(h Hash) (io.ReadCloser, error) {
	var lastErr error = errors.Errorf("no content with hash %s", h.Short())
	for _, src := range sources {
		rc, err := src.Open(h)
		if err == nil {
			return rc, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
