package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store-level failure classes.
var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrForeignKey   = errors.New("foreign key violation")
	ErrLockTimeout  = errors.New("lock not available")
)

// SQLSTATE codes we classify.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeLockNotAvailable    = "55P03"
	codeDeadlockDetected    = "40P01"
)

// Classify maps a Postgres error onto one of the store-level classes while
// keeping the original error in the chain. Errors that are not a
// *pgconn.PgError, or carry an unclassified code, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return &classifiedError{class: ErrDuplicateKey, err: err}
	case codeForeignKeyViolation:
		return &classifiedError{class: ErrForeignKey, err: err}
	case codeLockNotAvailable, codeDeadlockDetected:
		return &classifiedError{class: ErrLockTimeout, err: err}
	default:
		return err
	}
}

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.class, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}
