package filesystem

import (
	"errors"
	"fmt"
)

// Sentinel errors. Mount implementations wrap them in *Error so callers can
// classify failures with errors.Is.
var (
	ErrNotFound     = errors.New("no such file")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrExists       = errors.New("file exists")
	ErrAccessDenied = errors.New("access denied")
	ErrOutOfSpace   = errors.New("out of space")
	ErrInvalidPath  = errors.New("invalid path")
	ErrTooManyFiles = errors.New("too many files already open")
	ErrClosed       = errors.New("file is closed")

	// ErrReadOnly is returned when writing to a read-only mount.
	// It also matches ErrAccessDenied.
	ErrReadOnly = fmt.Errorf("%w: read-only mount", ErrAccessDenied)
)

// Error records a failed filesystem operation and the mount-relative or
// computer-visible path it was applied to.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return "/" + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}

// withPath rewrites the path of a mount error so it is reported relative to
// the computer's root rather than the mount.
func withPath(err error, path string) error {
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Op: fe.Op, Path: path, Err: fe.Err}
	}
	return err
}
