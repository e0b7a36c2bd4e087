// Package installerr defines the single error kind raised for every fatal
// condition of a dynamic plugin installation run.
package installerr

import (
	"errors"
	"fmt"
)

// Error is a fatal installation error. The message is what gets printed to the
// user before the process exits with a non-zero status.
type Error struct {
	msg   string
	cause error
}

// New returns an Error with the given message.
func New(msg string) *Error {
	return &Error{msg: msg}
}

// Errorf formats an Error. A %w verb records the wrapped error as cause.
func Errorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{msg: err.Error(), cause: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether err is, or wraps, an installation Error.
func Is(err error) bool {
	var ierr *Error
	return errors.As(err, &ierr)
}
