package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// SequenceAllocator hands out permit numbers per (client, site, kind) scope.
// Each scope owns one counter row; the atomic upsert-increment serializes
// concurrent creations on that row's lock, so numbers are monotonic with no
// gaps and no duplicates. Allocation only ever happens inside the transaction
// that persists the owning root: if the transaction aborts, the increment
// rolls back with it and the number is never burned.
type SequenceAllocator struct {
	lockTimeout time.Duration
}

// DefaultLockTimeout bounds the wait on a contended counter row. A stuck
// allocation lock would stall every creation in that scope, so fail fast and
// let the caller retry.
const DefaultLockTimeout = 3 * time.Second

// NewSequenceAllocator builds an allocator with the given lock-wait bound.
// A non-positive timeout selects DefaultLockTimeout.
func NewSequenceAllocator(lockTimeout time.Duration) *SequenceAllocator {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &SequenceAllocator{lockTimeout: lockTimeout}
}

// Allocate returns the next permit number for the scope, starting at 1.
// Must be called on the transaction that persists the owning root record.
// Lock contention past the configured bound surfaces as ErrSequenceConflict,
// which is retryable.
func (a *SequenceAllocator) Allocate(ctx context.Context, tx pgx.Tx, clientID, siteID uuid.UUID, kind lifecycle.RecordKind) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("allocate requires the creating transaction")
	}

	// lock_timeout only accepts a literal, hence the Sprintf; the value is a
	// config-supplied duration, never user input.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, a.lockTimeout.Milliseconds())); err != nil {
		return 0, fmt.Errorf("set allocation lock timeout: %w", err)
	}

	var permitNo int
	err := tx.QueryRow(ctx, `
		INSERT INTO permit_counters (client_id, site_id, kind, last_no)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (client_id, site_id, kind)
		DO UPDATE SET last_no = permit_counters.last_no + 1
		RETURNING last_no`,
		clientID, siteID, string(kind),
	).Scan(&permitNo)
	if err != nil {
		return 0, fmt.Errorf("allocate permit number: %w", mapPgError(err))
	}

	return permitNo, nil
}
