package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Persistence-level sentinel errors. Duplicate correlation ids are not in
// this list on purpose: a resubmitted correlation id is handled as an update,
// never surfaced as a failure.
var (
	// ErrRecordNotFound indicates the requested record (or its root) does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrParentTerminal indicates an attempt to append a section under a closed or cancelled root.
	ErrParentTerminal = errors.New("parent record is terminal")
	// ErrSequenceConflict indicates the permit counter row could not be locked in time; retryable.
	ErrSequenceConflict = errors.New("sequence allocation conflict")
	// ErrIntegrityViolation indicates a unique-constraint clash (e.g. duplicate question in one section).
	ErrIntegrityViolation = errors.New("integrity violation")
)

const (
	pgCodeUniqueViolation  = "23505"
	pgCodeLockNotAvailable = "55P03"
)

// mapPgError translates the pg error codes the engine cares about into
// sentinel errors callers can match with errors.Is.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgCodeUniqueViolation:
		return errors.Join(ErrIntegrityViolation, err)
	case pgCodeLockNotAvailable:
		return errors.Join(ErrSequenceConflict, err)
	}
	return err
}

// isUniqueViolation reports whether err is a 23505 on the named constraint.
// An empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != pgCodeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
