package errors

import (
	"fmt"
	"os"
	"strings"
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// IOError represents a file or directory that couldn't be read while hashing.
// It always aborts the enclosing walk.
type IOError struct {
	// Op is the operation that failed, e.g. "open", "read", "stat" or "list".
	Op   string
	Path string
	Err  error
}

func (err IOError) Error() string {
	cause := err.Err
	// The PathError already contains the path, so only print its cause.
	if pathErr, ok := cause.(*os.PathError); ok {
		cause = pathErr.Err
	}
	return fmt.Sprintf("cannot %s %s: %s", err.Op, err.Path, cause)
}

func (err IOError) Unwrap() error {
	return err.Err
}

// PatternError represents a filter expression that couldn't be compiled.
type PatternError struct {
	Pattern string
	Err     error
}

func (err PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", err.Pattern, err.Err)
}

func (err PatternError) Unwrap() error {
	return err.Err
}

// IntegrityMismatch represents a file whose contents don't hash to the
// expected digest.
type IntegrityMismatch struct {
	Path     string
	Expected string
	Actual   string
}

func (err IntegrityMismatch) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected sha256 %s, got %s",
		err.Path, strings.ToLower(err.Expected), err.Actual)
}

// TreeConflict represents a name that is a file on one side of a diff and a
// directory on the other.
type TreeConflict struct {
	Path   string
	Local  fmt.Stringer
	Remote fmt.Stringer
}

func (err TreeConflict) Error() string {
	return fmt.Sprintf("tree conflict at %s: local %s, remote %s",
		err.Path, err.Local, err.Remote)
}
