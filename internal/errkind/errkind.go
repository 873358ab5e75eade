// SPDX-License-Identifier: MIT

// Package errkind defines the error categories the scheduler core surfaces.
// Callers branch on the kind, never on error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for caller behaviour.
type Kind int

const (
	// KindUnknown is the zero value; treat as fatal.
	KindUnknown Kind = iota
	// KindTransientIO covers store reachability and probe network faults.
	// Retried locally by the component that hit it.
	KindTransientIO
	// KindContentionLost means a lease heartbeat was refused; the holder
	// must abort without further guarded mutations.
	KindContentionLost
	// KindUnprocessable covers invalid target or probe configuration.
	// Recorded, never retried.
	KindUnprocessable
	// KindResourceExhausted means the governor throttled or a per-process
	// limit was hit. Exit cleanly, committed work is preserved.
	KindResourceExhausted
	// KindFatal covers schema mismatch and unrecoverable configuration.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindContentionLost:
		return "contention_lost"
	case KindUnprocessable:
		return "unprocessable"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Of returns the kind attached to err, or KindUnknown.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Retryable reports whether a local retry is permitted for err.
func Retryable(err error) bool {
	return Of(err) == KindTransientIO
}
