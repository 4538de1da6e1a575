package query

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation is Postgres' SQLSTATE for a unique_violation.
const uniqueViolation = "23505"

// ErrDuplicate is returned by the Fake backend where Postgres would
// raise a unique-constraint violation, so plans can treat both backends
// through IsUniqueViolation.
var ErrDuplicate = errors.New("query: duplicate row")

// IsUniqueViolation reports whether err is a unique-constraint
// violation — the signal plans use to detect a raced concurrent insert
// (alias contention, a relationship pair created twice).
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
