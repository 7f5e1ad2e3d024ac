package errors

import (
	"fmt"
)

var (
	// ErrNothingToRollback is returned when the history stack is empty.
	ErrNothingToRollback = New("nothing to roll back")

	// ErrContentMismatch is returned when bytes read from a content source
	// don't hash to the value the instruction expects.
	ErrContentMismatch = New("content does not match expected hash")
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// MalformedError represents stored state that can't be interpreted, such as
// a corrupt backup session directory or an unparseable hash.
type MalformedError struct {
	Path   string
	Reason string
}

func (err MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %s", err.Path, err.Reason)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// VersionMismatchError is returned when a unit isn't at the version an
// instruction expects. An empty version means the unit is absent.
type VersionMismatchError struct {
	Unit     string
	Expected string
	Actual   string
}

func (err VersionMismatchError) Error() string {
	return fmt.Sprintf("unit %q: expected version %s, but found %s",
		err.Unit, displayVersion(err.Expected), displayVersion(err.Actual))
}

func displayVersion(v string) string {
	if v == "" {
		return "<absent>"
	}
	return fmt.Sprintf("%q", v)
}

// ConflictError is returned when the content at a path has drifted from what
// an instruction expects, and isn't already at the desired content either.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
}

func (err ConflictError) Error() string {
	return fmt.Sprintf("%s: content conflict (expected %s, found %s)",
		err.Path, shortHash(err.Expected), shortHash(err.Actual))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// PathExistsError is returned when an instruction adds a file that is
// already present.
type PathExistsError struct {
	Path string
}

func (err PathExistsError) Error() string {
	return fmt.Sprintf("%s: path already exists", err.Path)
}

// PathMissingError is returned when an instruction replaces a file that
// doesn't exist.
type PathMissingError struct {
	Path string
}

func (err PathMissingError) Error() string {
	return fmt.Sprintf("%s: path does not exist", err.Path)
}

// InterruptedError is returned when a previous operation didn't finish and
// left an incomplete backup session behind.
type InterruptedError struct {
	Sessions []string
}

func (err InterruptedError) Error() string {
	return fmt.Sprintf("found %d interrupted operation(s) %v; "+
		"run `provision recover` to restore them", len(err.Sessions), err.Sessions)
}
