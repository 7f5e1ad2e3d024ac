package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
)

// Hash is the hex encoded sha256 digest of a file's contents. The empty Hash
// means "no content".
type Hash string

// hashLength is the length of a hex encoded sha256 digest.
const hashLength = sha256.Size * 2

// ParseHash validates s as a hash, and normalizes it to lower case. The empty
// string is accepted and denotes an absent hash.
func ParseHash(s string) (Hash, error) {
	if s == "" {
		return "", nil
	}

	s = strings.ToLower(s)

	if len(s) != hashLength {
		return "", errors.MalformedError{Path: s, Reason: "hash has the wrong length"}
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.MalformedError{Path: s, Reason: "hash is not hex encoded"}
	}
	return Hash(s), nil
}

// IsZero returns whether the hash is absent.
func (h Hash) IsZero() bool {
	return h == ""
}

func (h Hash) String() string {
	return string(h)
}

// Short returns a prefix of the hash for use in log messages.
func (h Hash) Short() string {
	if len(h) > 12 {
		return string(h[:12])
	}
	return string(h)
}

// HashFile returns the hash of the file at the given path.
func HashFile(fs afero.Fs, path string) (Hash, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the hash of everything read from r.
func HashReader(r io.Reader) (Hash, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return sum(hasher), nil
}

// HashBytes returns the hash of b.
func HashBytes(b []byte) Hash {
	digest := sha256.Sum256(b)
	return Hash(hex.EncodeToString(digest[:]))
}

// Hasher computes a Hash from the bytes written to it.
type Hasher struct {
	digest hash.Hash
}

// NewHasher returns a Hasher that can be composed with io.MultiWriter to
// hash content while it's being copied.
func NewHasher() Hasher {
	return Hasher{digest: sha256.New()}
}

func (h Hasher) Write(p []byte) (int, error) {
	return h.digest.Write(p)
}

// Sum returns the hash of the bytes written so far.
func (h Hasher) Sum() Hash {
	return sum(h.digest)
}

func sum(h hash.Hash) Hash {
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// VerifyReader returns a reader that yields the same bytes as r, but fails
// with ErrContentMismatch at EOF if the bytes don't hash to expected.
func VerifyReader(r io.Reader, expected Hash) io.Reader {
	return &verifyingReader{r: r, hasher: NewHasher(), expected: expected}
}

type verifyingReader struct {
	r        io.Reader
	hasher   Hasher
	expected Hash
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	vr.hasher.Write(p[:n])
	if err == io.EOF {
		if actual := vr.hasher.Sum(); actual != vr.expected {
			return n, errors.WithContext(errors.ErrContentMismatch,
				fmt.Sprintf("expected %s, got %s", vr.expected.Short(), actual.Short()))
		}
	}
	return n, err
}
