package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// rosterQuerier is satisfied by both pgx.Tx and *pgxpool.Pool so roster reads
// work inside and outside a workflow transaction.
type rosterQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SeedRoster inserts the typed vote roster for a record. Idempotent: when any
// roster row already exists for the record the call is a no-op and returns
// false, so offline resends never duplicate or reset votes.
func (s *RecordStore) SeedRoster(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, entries []lifecycle.RosterEntry) (bool, error) {
	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM record_actors WHERE record_id = $1`, recordID,
	).Scan(&existing); err != nil {
		return false, fmt.Errorf("check roster: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	for _, entry := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO record_actors (record_id, actor_code, actor_name, role, status, seq)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			recordID, entry.Code, entry.Name, string(entry.Role), string(entry.Status), entry.Seq,
		); err != nil {
			return false, fmt.Errorf("seed roster entry %s/%s: %w", entry.Role, entry.Code, mapPgError(err))
		}
	}

	return true, nil
}

// ListRoster returns the roster ordered by role then seed order.
func (s *RecordStore) ListRoster(ctx context.Context, q rosterQuerier, recordID uuid.UUID) ([]lifecycle.RosterEntry, error) {
	if q == nil {
		q = s.pool
	}

	rows, err := q.Query(ctx, `
		SELECT actor_code, actor_name, role, status, seq, decided_at
		FROM record_actors
		WHERE record_id = $1
		ORDER BY role, seq`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	defer rows.Close()

	var entries []lifecycle.RosterEntry
	for rows.Next() {
		var entry lifecycle.RosterEntry
		var role, status string
		if err := rows.Scan(&entry.Code, &entry.Name, &role, &status, &entry.Seq, &entry.DecidedAt); err != nil {
			return nil, err
		}
		entry.Role = lifecycle.ActorRole(role)
		entry.Status = lifecycle.ApprovalStatus(status)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// SaveVote persists one actor's decision. Must run on the tx holding the
// record's row lock.
func (s *RecordStore) SaveVote(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, code string, role lifecycle.ActorRole, status lifecycle.ApprovalStatus, decidedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE record_actors
		SET status = $4, decided_at = $5
		WHERE record_id = $1 AND actor_code = $2 AND role = $3`,
		recordID, code, string(role), string(status), decidedAt,
	)
	if err != nil {
		return fmt.Errorf("save vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("roster entry %s/%s missing for record %s", role, code, recordID)
	}
	return nil
}

// ResetVerifierRoster flips every verifier entry back to PENDING, leaving
// approver entries untouched. Used on reopen after a verifier rejection.
func (s *RecordStore) ResetVerifierRoster(ctx context.Context, tx pgx.Tx, recordID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		UPDATE record_actors
		SET status = $3, decided_at = NULL
		WHERE record_id = $1 AND role = $2`,
		recordID, string(lifecycle.RoleVerifier), string(lifecycle.ApprovalPending),
	); err != nil {
		return fmt.Errorf("reset verifier roster: %w", err)
	}
	return nil
}
