// Package consensus contains the pure vote-evaluation rules for the typed
// roster: unanimity, short-circuit rejection and the reopen reset. The roster
// rows are the single source of truth; the aggregate statuses returned here
// are derived, never independently mutable.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// ErrNotAnAuthorizedVoter is returned when the voting actor was never seeded
// on the roster. A vote from outside the roster must never silently succeed.
var ErrNotAnAuthorizedVoter = errors.New("not an authorized voter")

// ErrAlreadyDecided is returned when the actor's entry already carries a
// final decision.
var ErrAlreadyDecided = errors.New("vote already recorded")

// Seed builds the initial PENDING roster from the ordered actor code lists.
// Display names come from the provided lookup; unknown codes fall back to the
// code itself.
func Seed(approverCodes, verifierCodes []string, names map[string]string) []lifecycle.RosterEntry {
	entries := make([]lifecycle.RosterEntry, 0, len(approverCodes)+len(verifierCodes))

	add := func(codes []string, role lifecycle.ActorRole) {
		for i, code := range codes {
			name := names[code]
			if name == "" {
				name = code
			}
			entries = append(entries, lifecycle.RosterEntry{
				Code:   code,
				Name:   name,
				Role:   role,
				Status: lifecycle.ApprovalPending,
				Seq:    i,
			})
		}
	}

	add(approverCodes, lifecycle.RoleApprover)
	add(verifierCodes, lifecycle.RoleVerifier)

	return entries
}

// Evaluate derives the aggregate status for one role. A single rejection
// rejects the aggregate regardless of pending votes; approval requires every
// entry of the role to have approved — unanimity, no quorum, no weighting.
func Evaluate(entries []lifecycle.RosterEntry, role lifecycle.ActorRole) lifecycle.ApprovalStatus {
	total := 0
	approved := 0
	for _, entry := range entries {
		if entry.Role != role {
			continue
		}
		total++
		switch entry.Status {
		case lifecycle.ApprovalRejected:
			return lifecycle.ApprovalRejected
		case lifecycle.ApprovalApproved:
			approved++
		}
	}

	if total == 0 {
		return lifecycle.ApprovalNotRequired
	}
	if approved == total {
		return lifecycle.ApprovalApproved
	}
	return lifecycle.ApprovalPending
}

// ApplyVote records one actor's decision and returns the updated entries plus
// the new aggregate for that role. The input slice is not mutated.
func ApplyVote(entries []lifecycle.RosterEntry, code string, role lifecycle.ActorRole, decision lifecycle.ApprovalStatus, now time.Time) ([]lifecycle.RosterEntry, lifecycle.ApprovalStatus, error) {
	if decision != lifecycle.ApprovalApproved && decision != lifecycle.ApprovalRejected {
		return nil, "", fmt.Errorf("decision must be APPROVED or REJECTED, got %q", decision)
	}

	updated := make([]lifecycle.RosterEntry, len(entries))
	copy(updated, entries)

	found := false
	for i := range updated {
		if updated[i].Code != code || updated[i].Role != role {
			continue
		}
		if updated[i].Status == lifecycle.ApprovalApproved || updated[i].Status == lifecycle.ApprovalRejected {
			return nil, "", fmt.Errorf("%s/%s: %w", role, code, ErrAlreadyDecided)
		}
		updated[i].Status = decision
		decidedAt := now
		updated[i].DecidedAt = &decidedAt
		found = true
		break
	}
	if !found {
		return nil, "", fmt.Errorf("%s/%s: %w", role, code, ErrNotAnAuthorizedVoter)
	}

	return updated, Evaluate(updated, role), nil
}

// ResetVerifiers returns a copy with every verifier entry back to PENDING and
// approver entries untouched, used when a rejected verifier path is corrected
// and reopened.
func ResetVerifiers(entries []lifecycle.RosterEntry) []lifecycle.RosterEntry {
	updated := make([]lifecycle.RosterEntry, len(entries))
	copy(updated, entries)

	for i := range updated {
		if updated[i].Role == lifecycle.RoleVerifier {
			updated[i].Status = lifecycle.ApprovalPending
			updated[i].DecidedAt = nil
		}
	}

	return updated
}
