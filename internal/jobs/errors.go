package jobs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidTask is returned by RunTask for an empty name, nil executor or
	// non-positive timeout.
	ErrInvalidTask = errors.New("invalid task")
	// ErrClosed is returned by RunTask after Close.
	ErrClosed = errors.New("scheduler closed")
)

// IsInvariantViolation reports whether v (typically a recovered panic value)
// is a broken scheduler invariant.
func IsInvariantViolation(v any) bool {
	err, ok := v.(error)
	return ok && errors.IsAssertionFailure(err)
}

// invariant panics when a scheduler bookkeeping invariant is broken. These
// are defects, never runtime conditions, so they are not returned as errors.
func invariant(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(errors.AssertionFailedf(format, args...))
}
