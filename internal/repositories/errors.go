package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	svc, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example creating two services on the same port/protocol
// pair or blocking the same IP twice.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique-constraint violation.
// Matched by message because the modernc SQLite driver and the pgx driver
// surface different error types that GORM does not translate for us.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value violates unique constraint") // postgres
}
