package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMapPgError(t *testing.T) {
	t.Parallel()

	unique := &pgconn.PgError{Code: pgCodeUniqueViolation, ConstraintName: "record_details_question_unique"}
	require.ErrorIs(t, mapPgError(unique), ErrIntegrityViolation)

	locked := &pgconn.PgError{Code: pgCodeLockNotAvailable}
	require.ErrorIs(t, mapPgError(locked), ErrSequenceConflict)

	plain := errors.New("connection reset")
	require.Equal(t, plain, mapPgError(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgCodeUniqueViolation, ConstraintName: "record_details_question_unique"})
	require.True(t, isUniqueViolation(err, "record_details_question_unique"))
	require.True(t, isUniqueViolation(err, ""))
	require.False(t, isUniqueViolation(err, "records_correlation_unique"))

	require.False(t, isUniqueViolation(&pgconn.PgError{Code: pgCodeLockNotAvailable}, ""))
	require.False(t, isUniqueViolation(errors.New("not a pg error"), ""))
}
