package content

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sidkik/provision/pkg/errors"
)

// Path identifies a file within a unit. Location is an optional named
// location that the environment resolves to a physical root. An empty
// Location refers to the environment's home directory.
//
// RelativePath is always slash separated and relative to the location root.
// Paths are comparable, and are used as map keys.
type Path struct {
	Location     string
	RelativePath string
}

// NewPath returns the normalized Path for the given location and relative
// path. Backslashes aren't treated specially, so OS specific paths should be
// converted with filepath.ToSlash first.
func NewPath(location, relativePath string) (Path, error) {
	if relativePath == "" {
		return Path{}, errors.MissingFieldError{Field: "relative-path"}
	}

	cleaned := path.Clean(relativePath)
	if path.IsAbs(cleaned) || cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, "../") {
		return Path{}, errors.MalformedError{
			Path:   relativePath,
			Reason: "path must be relative and stay within its location",
		}
	}
	return Path{Location: location, RelativePath: cleaned}, nil
}

// MustPath is like NewPath but panics on invalid input. It's meant for
// literals in tests and examples.
func MustPath(location, relativePath string) Path {
	p, err := NewPath(location, relativePath)
	if err != nil {
		panic(err)
	}
	return p
}

// Join returns the physical path of p under root.
func (p Path) Join(root string) string {
	return filepath.Join(root, filepath.FromSlash(p.RelativePath))
}

func (p Path) String() string {
	if p.Location == "" {
		return p.RelativePath
	}
	return fmt.Sprintf("%s:%s", p.Location, p.RelativePath)
}

// Less orders paths by location, and then by relative path.
func (p Path) Less(other Path) bool {
	if p.Location != other.Location {
		return p.Location < other.Location
	}
	return p.RelativePath < other.RelativePath
}
