// Package xerr categorizes every error this module raises into one of the
// four kinds (malformed-input, device-protocol, precondition,
// benign), following the Errorf(category, ...)/Category(err) pattern used
// throughout polydawn-rio's warpfork/go-errcat usage, adapted here to plain
// Go error wrapping (Unwrap-compatible) instead of that library's own type.
package xerr

import (
	"errors"
	"fmt"
)

// Category is one of the four error kinds this package defines.
type Category string

const (
	// Malformed marks a malformed-input error: a metadata file with a bad
	// shape, signature output containing a line break, a package dump
	// missing required keys.
	Malformed Category = "malformed-input"

	// DeviceProtocol marks a device-protocol error: non-zero shell exit,
	// a missing key in the agent handshake, a TCP connect/write failure.
	DeviceProtocol Category = "device-protocol"

	// Precondition marks a precondition error: a non-conforming package
	// name, a source or target path that isn't absolute.
	Precondition Category = "precondition"

	// Benign marks an error that is logged, not propagated: a
	// process-not-found result from a targeted kill, a port-forward
	// teardown failure.
	Benign Category = "benign"
)

type categorized struct {
	category Category
	msg      string
	cause    error
}

func (e *categorized) Error() string {
	return e.msg
}

func (e *categorized) Unwrap() error {
	return e.cause
}

// Errorf builds an error tagged with category. A trailing %w verb in format
// is honored the same way fmt.Errorf honors it: the resulting error's
// Unwrap chain still reaches the wrapped cause.
func Errorf(category Category, format string, args ...interface{}) error {
	wrapped := fmt.Errorf(format, args...)

	return &categorized{
		category: category,
		msg:      wrapped.Error(),
		cause:    errors.Unwrap(wrapped),
	}
}

// CategoryOf walks err's Unwrap chain and returns the first Category found,
// or "" if err (or its chain) was never produced by Errorf.
func CategoryOf(err error) Category {
	var c *categorized
	if errors.As(err, &c) {
		return c.category
	}

	return ""
}

// Is reports whether err's category equals cat.
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// suppressed pairs a primary error with a secondary one that occurred in the
// same operation but should not be the headline — "if a
// shell error and a socket error both occurred, the socket error is primary
// and the shell error is attached as a suppressed cause".
type suppressed struct {
	primary    error
	suppressed error
}

func (e *suppressed) Error() string {
	return e.primary.Error() + " (suppressed: " + e.suppressed.Error() + ")"
}

func (e *suppressed) Unwrap() error {
	return e.primary
}

// WithSuppressed returns an error reporting as primary but carrying
// secondary as a suppressed cause recoverable with SuppressedOf.
func WithSuppressed(primary, secondary error) error {
	if secondary == nil {
		return primary
	}

	if primary == nil {
		return secondary
	}

	return &suppressed{primary: primary, suppressed: secondary}
}

// SuppressedOf returns the suppressed cause attached by WithSuppressed, if
// any.
func SuppressedOf(err error) error {
	var s *suppressed
	if errors.As(err, &s) {
		return s.suppressed
	}

	return nil
}
