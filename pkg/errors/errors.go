package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a passthrough to the
// standard library so that callers only need to import this package.
func New(msg string) error {
	return goErrors.New(msg)
}

// Newf returns an error with a formatted message.
func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

// contextError annotates an error with a short description of what the code
// was doing when the error occurred, e.g. "open" or "hash file".
type contextError struct {
	context string
	err     error
}

// WithContext wraps `err` with the given context. If `err` is nil, nil is
// returned so that the result can be returned directly.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause returns the error that was originally wrapped by WithContext. It
// stops at the first error that isn't a context wrapper, so typed errors such
// as IOError are returned intact.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// as is.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(template, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyError interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user for
// `err`. Friendly errors anywhere in the chain are printed without the
// surrounding context, since that context is only useful for debugging.
func GetPrintableMessage(err error) string {
	var friendly friendlyError
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return fmt.Sprintf("Error: %s", err)
}
