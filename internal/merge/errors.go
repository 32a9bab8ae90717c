package merge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleData means a record changed after the session snapshot was taken.
	// The session has been rebuilt and the operator must decide again.
	ErrStaleData = errors.New("merge: record changed since session was created")

	// ErrConsistencyViolation means the pair cannot be merged at all.
	ErrConsistencyViolation = errors.New("merge: records are not mergeable")

	// ErrNotFound means one or both records no longer exist.
	ErrNotFound = errors.New("merge: record not found")

	ErrInvalidValue    = errors.New("merge: invalid value")
	ErrUnknownField    = errors.New("merge: unknown field")
	ErrSessionNotFound = errors.New("merge: session not found")
)

// StaleError carries the rebuilt session after a staleness abort.
type StaleError[R any] struct {
	Fields  []string
	Session *Session[R]
}

func (e *StaleError[R]) Error() string {
	return fmt.Sprintf("%s: %s", ErrStaleData, strings.Join(e.Fields, ", "))
}

func (e *StaleError[R]) Is(target error) bool {
	return target == ErrStaleData
}

// Inconsistent builds an ErrConsistencyViolation with a reason.
func Inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistencyViolation, fmt.Sprintf(format, args...))
}
