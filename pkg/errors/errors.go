// Package errors contains the error helpers used throughout provision. Errors
// are annotated with a short description of the operation that failed as they
// propagate up the stack, so that the final message reads like a trace of what
// was being attempted, e.g. "apply unit app: write a.txt: permission denied".
package errors

import (
	goErrors "errors"
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// Errorf returns an error with a message formatted by fmt.Sprintf.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// WithContext annotates err with a description of what was being done when it
// occurred. It returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{err: err, context: context}
}

type contextError struct {
	err     error
	context string
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

// Cause is used by RootCause to unwrap the error.
func (err contextError) Cause() error {
	return err.err
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause returns the error that originally caused err, with all context
// stripped.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown directly to
// users, rather than logged.
type FriendlyError struct {
	template string
	args     []interface{}
}

// NewFriendlyError creates a FriendlyError. The message is only formatted
// when it's printed.
func NewFriendlyError(template string, args ...interface{}) FriendlyError {
	return FriendlyError{template: template, args: args}
}

func (err FriendlyError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage returns the message that should be shown to the user.
func (err FriendlyError) FriendlyMessage() string {
	return fmt.Sprintf(err.template, err.args...)
}

// Friendly is implemented by errors that carry a user facing message.
type Friendly interface {
	FriendlyMessage() string
}
