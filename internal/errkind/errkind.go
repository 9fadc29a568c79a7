// Package errkind classifies agent failures by how far they propagate.
//
// Every error that crosses a component boundary carries a Kind which tells the
// caller what to abandon: a single leaf, a packet, a file, a watched
// directory, or startup of a whole watch.
//
//	if errkind.Is(err, errkind.Transient) {
//	    // try again on the next poll
//	}
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names the scope a failure aborts.
type Kind string

const (
	// Config marks bad predicates, exceeded ceilings and invalid connection
	// documents. Fatal at startup for the affected watch.
	Config Kind = "config"

	// Transient marks fingerprint and claim-rename races. Retried on the next
	// poll cycle and never surfaced as fatal.
	Transient Kind = "transient"

	// File aborts processing of one claimed file, which stays .importing.
	File Kind = "file"

	// Leaf aborts one leaf within a packet. The packet continues.
	Leaf Kind = "leaf"

	// Structural aborts a whole packet: hierarchy upserts failed, so no
	// sample write can be trusted.
	Structural Kind = "structural"

	// Directory aborts monitoring of one directory.
	Directory Kind = "directory"
)

// Sentinel causes wrapped by kinded errors.
var (
	// ErrFileTooLarge is returned when a file exceeds the size ceiling and is
	// rejected before it is claimed.
	ErrFileTooLarge = errors.New("file exceeds size ceiling")

	// ErrTooManyFiles is returned when a watched directory holds more files
	// than the configured ceiling.
	ErrTooManyFiles = errors.New("directory exceeds file count ceiling")
)

// Error is a failure tagged with the scope it aborts.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns err tagged with kind. The result carries a stack trace.
func New(kind Kind, op, path string, err error) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Path: path, Err: err})
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, path, format string, args ...interface{}) error {
	return New(kind, op, path, fmt.Errorf(format, args...))
}

// Of returns the kind of the outermost kinded error in err's chain, or the
// empty Kind if there is none.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's outermost kind is kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// IsRetryable returns true if the error is expected to clear on the next
// poll cycle without operator action.
func IsRetryable(err error) bool {
	return Is(err, Transient)
}
