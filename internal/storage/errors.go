package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for persistence-layer conditions.
var (
	// ErrReservation indicates a reserved id range was exhausted or an id
	// fell outside the allowed range.
	ErrReservation = errors.New("primary key reservation error")

	// ErrConsistency indicates rows remained unsaved after the
	// post-insert re-merge.
	ErrConsistency = errors.New("bulk save consistency error")
)

func reservationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReservation, fmt.Sprintf(format, args...))
}

func consistencyErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

// wrapDBError wraps a database error with operation context.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
