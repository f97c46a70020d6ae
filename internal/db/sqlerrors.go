package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// MapSQLError interprets a raw driver error as one of the database
// agnostic error types below, so callers can branch on failure class
// without knowing the backend.
func MapSQLError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return parseSqliteError(sqliteErr)
	}

	return err
}

func parseSqliteError(sqliteErr sqlite3.Error) error {
	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {

			return &ErrSQLUniqueConstraintViolation{
				DBError: sqliteErr,
			}
		}

		return fmt.Errorf("sqlite constraint error: %w", sqliteErr)

	// The database is busy with a concurrent writer; the operation can
	// be retried.
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return &ErrSerializationError{DBError: sqliteErr}

	case sqlite3.ErrError:
		if strings.Contains(sqliteErr.Error(), "no such table") {
			return &ErrSchemaError{DBError: sqliteErr}
		}
		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)

	default:
		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)
	}
}

// ErrSQLUniqueConstraintViolation is a database agnostic unique constraint
// violation.
type ErrSQLUniqueConstraintViolation struct {
	DBError error
}

func (e ErrSQLUniqueConstraintViolation) Error() string {
	return fmt.Sprintf("sql unique constraint violation: %v", e.DBError)
}

func (e ErrSQLUniqueConstraintViolation) Unwrap() error {
	return e.DBError
}

// ErrSerializationError marks an operation that lost against concurrent
// database activity and can be retried.
type ErrSerializationError struct {
	DBError error
}

func (e ErrSerializationError) Error() string {
	return e.DBError.Error()
}

func (e ErrSerializationError) Unwrap() error {
	return e.DBError
}

// ErrSchemaError marks a query against a missing or out-of-date schema,
// usually a sign migrations did not run.
type ErrSchemaError struct {
	DBError error
}

func (e ErrSchemaError) Error() string {
	return e.DBError.Error()
}

func (e ErrSchemaError) Unwrap() error {
	return e.DBError
}
