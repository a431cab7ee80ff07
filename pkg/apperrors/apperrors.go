// Package apperrors classifies failures surfaced to operators.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure
type Kind string

const (
	// Permission means the caller lacks the admin capability
	Permission Kind = "permission"
	// Validation means the request was rejected before any work started
	Validation Kind = "validation"
	// IO covers filesystem and database failures during a job
	IO Kind = "io"
	// Archive means the ZIP could not be created or opened
	Archive Kind = "archive"
	// Format means an archive has no recognizable backup structure
	Format Kind = "format"
)

// Error is a classified error carrying a short operator-facing message.
// Err holds the underlying cause for logs and is never shown to callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no cause
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err. A nil err still yields an error.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Message returns the text safe to show an operator. Unclassified errors
// collapse to a generic reason so driver messages and query text stay in logs.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
