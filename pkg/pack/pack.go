// Package pack bundles an instruction with the content it adds, so that it
// can be shipped to and applied on another machine. A pack is a directory:
//
//	instruction.yaml
//	blobs/<sha256>
//
// The instruction is written last, so a directory without it is an
// incomplete pack.
package pack

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
	"github.com/sidkik/provision/pkg/instruction"
)

const (
	instructionFile = "instruction.yaml"
	blobsDir        = "blobs"
)

// Build writes instr and every piece of content it adds or replaces into
// dir. The content is read from src and verified against its hash.
func Build(fs afero.Fs, dir string, instr instruction.Environment, src content.Source) error {
	if err := instr.Validate(); err != nil {
		return errors.WithContext(err, "validate instruction")
	}

	instrBytes, err := instruction.Marshal(instr)
	if err != nil {
		return errors.WithContext(err, "marshal instruction")
	}

	blobs := BlobSource{fs: fs, dir: dir}
	for _, h := range hashes(instr) {
		exists, err := fsutil.Exists(fs, blobs.path(h))
		if err != nil {
			return errors.WithContext(err, "stat blob")
		}
		if exists {
			continue
		}

		if err := copyBlob(fs, blobs.path(h), src, h); err != nil {
			return errors.WithContext(err, "copy "+h.Short())
		}
	}

	if err := fsutil.WriteFileAtomic(fs, filepath.Join(dir, instructionFile), instrBytes, 0644); err != nil {
		return errors.WithContext(err, "write instruction")
	}

	log.WithField("dir", dir).Debug("Built pack")
	return nil
}

func copyBlob(fs afero.Fs, path string, src content.Source, h content.Hash) error {
	rc, err := src.Open(h)
	if err != nil {
		return err
	}
	defer rc.Close()

	return fsutil.WriteAtomic(fs, path, content.VerifyReader(rc, h), 0644)
}

// Open reads the pack in dir. It fails if any content that the instruction
// needs is missing from the pack.
func Open(fs afero.Fs, dir string) (instruction.Environment, *BlobSource, error) {
	path := filepath.Join(dir, instructionFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: path}
		}
		return nil, nil, errors.WithContext(err, "read instruction")
	}

	instr, err := instruction.Unmarshal(data)
	if err != nil {
		return nil, nil, errors.WithContext(err, "parse "+path)
	}

	blobs := &BlobSource{fs: fs, dir: dir}
	for _, h := range hashes(instr) {
		exists, err := fsutil.Exists(fs, blobs.path(h))
		if err != nil {
			return nil, nil, errors.WithContext(err, "stat blob")
		}
		if !exists {
			return nil, nil, errors.MalformedError{
				Path:   dir,
				Reason: "missing content " + h.Short(),
			}
		}
	}
	return instr, blobs, nil
}

// BlobSource serves content out of a pack.
type BlobSource struct {
	fs  afero.Fs
	dir string
}

// Open implements content.Source.
func (src *BlobSource) Open(h content.Hash) (io.ReadCloser, error) {
	f, err := src.fs.Open(src.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("no content with hash %s in %s", h.Short(), src.dir)
		}
		return nil, errors.WithContext(err, "open blob")
	}
	return f, nil
}

func (src *BlobSource) path(h content.Hash) string {
	return filepath.Join(src.dir, blobsDir, h.String())
}

// hashes returns the content that instr writes, without duplicates.
func hashes(instr instruction.Environment) []content.Hash {
	seen := map[content.Hash]struct{}{}
	var result []content.Hash
	for _, u := range instr.Units() {
		for _, item := range u.Items {
			if item.Hash.IsZero() {
				continue
			}
			if _, ok := seen[item.Hash]; ok {
				continue
			}
			seen[item.Hash] = struct{}{}
			result = append(result, item.Hash)
		}
	}
	return result
}
