// Package condition implements the checks that gate whether an instruction
// may be applied to an environment.
//
// There are exactly two kinds of conditions. UnitVersion checks the version a
// unit is recorded at, and ContentHash checks the content of a single file.
// The set is closed: Condition can't be implemented outside this package.
package condition

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
)

// Condition is a precondition of an instruction.
type Condition interface {
	fmt.Stringer

	isCondition()
}

// UnitVersion is satisfied if the unit is currently recorded at Version. An
// empty Version requires the unit to be absent.
type UnitVersion struct {
	Unit    string
	Version string
}

// ContentHash is satisfied if the file at Path should be changed from
// Expected to New. An empty Expected means the file must not exist yet, and an
// empty New means the file is being removed.
type ContentHash struct {
	Path     content.Path
	Expected content.Hash
	New      content.Hash
}

func (UnitVersion) isCondition() {}
func (ContentHash) isCondition() {}

func (c UnitVersion) String() string {
	if c.Version == "" {
		return fmt.Sprintf("unit %s is absent", c.Unit)
	}
	return fmt.Sprintf("unit %s is at %s", c.Unit, c.Version)
}

func (c ContentHash) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Path, displayHash(c.Expected), displayHash(c.New))
}

// Invert returns the condition for undoing the change described by c.
func (c ContentHash) Invert() ContentHash {
	return ContentHash{Path: c.Path, Expected: c.New, New: c.Expected}
}

func displayHash(h content.Hash) string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Short()
}

// Environment is the view of the environment that conditions are evaluated
// against.
type Environment interface {
	// UnitVersion returns the version the unit is currently recorded at, and
	// false if the unit isn't installed.
	UnitVersion(name string) (string, bool)

	// Resolve returns the physical path of p.
	Resolve(p content.Path) (string, error)
}

// Evaluate checks the condition. A false result with a nil error means that
// the change the condition guards has already been made, and should be
// skipped.
//
// UnitVersion violations result in a VersionMismatchError. ContentHash
// violations result in a PathExistsError, PathMissingError, or ConflictError.
// Only ConflictErrors may be overridden by an update policy.
func Evaluate(fs afero.Fs, env Environment, c Condition) (bool, error) {
	switch c := c.(type) {
	case UnitVersion:
		return evaluateUnitVersion(env, c)
	case ContentHash:
		return evaluateContentHash(fs, env, c)
	default:
		panic(fmt.Sprintf("unknown condition type %T", c))
	}
}

func evaluateUnitVersion(env Environment, c UnitVersion) (bool, error) {
	actual, ok := env.UnitVersion(c.Unit)
	if !ok {
		actual = ""
	}

	if actual != c.Version {
		return false, errors.VersionMismatchError{
			Unit:     c.Unit,
			Expected: c.Version,
			Actual:   actual,
		}
	}
	return true, nil
}

func evaluateContentHash(fs afero.Fs, env Environment, c ContentHash) (bool, error) {
	path, err := env.Resolve(c.Path)
	if err != nil {
		return false, errors.WithContext(err, "resolve "+c.Path.String())
	}

	fi, err := fs.Stat(path)
	switch {
	case os.IsNotExist(err):
		fi = nil
	case err != nil:
		return false, errors.WithContext(err, "stat "+path)
	case !fi.Mode().IsRegular():
		return false, errors.MalformedError{Path: path, Reason: "not a regular file"}
	}

	if c.Expected.IsZero() {
		if fi != nil {
			return false, errors.PathExistsError{Path: c.Path.String()}
		}
		return true, nil
	}

	if fi == nil {
		if c.New.IsZero() {
			log.WithField("path", c.Path.String()).Debug("Already removed")
			return false, nil
		}
		return false, errors.PathMissingError{Path: c.Path.String()}
	}

	actual, err := content.HashFile(fs, path)
	if err != nil {
		return false, errors.WithContext(err, "hash "+path)
	}

	switch actual {
	case c.New:
		log.WithField("path", c.Path.String()).Debug("Already at desired content")
		return false, nil
	case c.Expected:
		return true, nil
	default:
		return false, errors.ConflictError{
			Path:     c.Path.String(),
			Expected: c.Expected.String(),
			Actual:   actual.String(),
		}
	}
}
