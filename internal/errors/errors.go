// Package errors provides the error taxonomy shared by the cache, the populator
// and the surfaces built on top of them.
// This package exists to avoid import cycles between fscache and its callers.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a CacheError.
type Kind int

const (
	// KindNotFound means a path or node is absent. Expected in normal operation.
	KindNotFound Kind = iota + 1
	// KindQueryFailed means the external metadata engine failed or timed out.
	KindQueryFailed
	// KindInvariantViolation means an internal consistency check failed and could
	// not be repaired.
	KindInvariantViolation
	// KindInvalidArgument means the request was rejected without any state change.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindQueryFailed:
		return "query failed"
	case KindInvariantViolation:
		return "invariant violation"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// CacheError represents a failure of a cache-level operation.
type CacheError struct {
	kind    Kind
	op      string
	path    string
	message string
	cause   error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.kind.String()
	}

	prefix := e.op
	if e.path != "" {
		if prefix != "" {
			prefix += " "
		}
		prefix += e.path
	}
	if prefix != "" {
		msg = prefix + ": " + msg
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause error for error unwrapping.
func (e *CacheError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a CacheError of the same kind, so that
// errors.Is(err, ErrNotFound) matches every not-found error.
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return t.kind == e.kind
}

// Kind returns the classification of the error.
func (e *CacheError) Kind() Kind {
	return e.kind
}

// Op returns the operation that failed.
func (e *CacheError) Op() string {
	return e.op
}

// Path returns the path the operation was working on, if any.
func (e *CacheError) Path() string {
	return e.path
}

// New creates a CacheError.
func New(kind Kind, op, path, message string, cause error) error {
	return &CacheError{
		kind:    kind,
		op:      op,
		path:    path,
		message: message,
		cause:   cause,
	}
}

// NotFound creates a not-found error for op on path.
func NotFound(op, path string) error {
	return New(KindNotFound, op, path, "", nil)
}

// QueryFailed wraps a metadata engine failure.
func QueryFailed(op, path string, cause error) error {
	return New(KindQueryFailed, op, path, "", cause)
}

// InvalidArgument rejects a request with the given reason.
func InvalidArgument(op, path, message string) error {
	return New(KindInvalidArgument, op, path, message, nil)
}

// InvariantViolation reports an unrepaired consistency failure.
func InvariantViolation(op, path, message string) error {
	return New(KindInvariantViolation, op, path, message, nil)
}

// Sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrNotFound           = &CacheError{kind: KindNotFound}
	ErrQueryFailed        = &CacheError{kind: KindQueryFailed}
	ErrInvariantViolation = &CacheError{kind: KindInvariantViolation}
	ErrInvalidArgument    = &CacheError{kind: KindInvalidArgument}
)

// KindOf returns the kind of err, or 0 when err is not a CacheError.
func KindOf(err error) Kind {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return 0
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsQueryFailed checks if an error is a query failure.
func IsQueryFailed(err error) bool {
	return KindOf(err) == KindQueryFailed
}

// IsInvalidArgument checks if an error is an invalid-argument rejection.
func IsInvalidArgument(err error) bool {
	return KindOf(err) == KindInvalidArgument
}

// IsInvariantViolation checks if an error reports an unrepaired violation.
func IsInvariantViolation(err error) bool {
	return KindOf(err) == KindInvariantViolation
}
