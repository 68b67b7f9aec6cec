// Package retry classifies errors into the closed set of kinds the
// control plane reasons about, and provides the small amount of
// backoff/retry plumbing that follows from that classification.
package retry

import "fmt"

// Kind is the closed set of error kinds. These are always values,
// never panics, passed across component boundaries.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindTransient         Kind = "transient"
	KindResourceExhausted Kind = "resource_exhausted"
	KindSandboxFailure    Kind = "sandbox_failure"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindOrphaned          Kind = "orphaned"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error wraps an underlying cause with a classification so callers can
// decide retry/terminal/drop without string-matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// IsRetryable reports whether the error kind should be retried with
// backoff rather than surfaced as a terminal transition.
func IsRetryable(err error) bool {
	var ce *Error
	if !asError(err, &ce) {
		return false
	}
	return ce.Kind == KindTransient || ce.Kind == KindResourceExhausted
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
