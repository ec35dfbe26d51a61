// Package lifecycle defines the shared vocabulary of the work-order /
// work-permit / SLA-assessment engine: record kinds, workflow statuses and
// the typed roster entry. Persistence and the workflow core both depend on
// these types, so they live in a leaf package with no other imports.
package lifecycle

import (
	"strconv"
	"strings"
	"time"
)

// RecordKind discriminates the three flavors sharing one record shape.
type RecordKind string

const (
	KindWorkOrder     RecordKind = "WORK_ORDER"
	KindWorkPermit    RecordKind = "WORK_PERMIT"
	KindSLAAssessment RecordKind = "SLA_ASSESSMENT"
)

// Valid reports whether the kind is one of the known discriminators.
func (k RecordKind) Valid() bool {
	switch k {
	case KindWorkOrder, KindWorkPermit, KindSLAAssessment:
		return true
	}
	return false
}

// CarriesApprovalWorkflow reports whether roots of this kind get a seeded
// roster and a permit number. Plain work orders skip the consensus path.
func (k RecordKind) CarriesApprovalWorkflow() bool {
	payload, ok := PayloadFor(k)
	return ok && payload.RequiresRoster()
}

// WorkStatus is the execution state of a record.
type WorkStatus string

const (
	WorkAssigned   WorkStatus = "ASSIGNED"
	WorkReassigned WorkStatus = "RE_ASSIGNED"
	WorkInProgress WorkStatus = "INPROGRESS"
	WorkCompleted  WorkStatus = "COMPLETED"
	WorkClosed     WorkStatus = "CLOSED"
	WorkCancelled  WorkStatus = "CANCELLED"
)

// Terminal reports whether no further workflow mutation is permitted
// (remark appends excepted).
func (s WorkStatus) Terminal() bool {
	return s == WorkClosed || s == WorkCancelled
}

// ApprovalStatus is the aggregate consensus state for one actor role.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "NOT_REQUIRED"
	ApprovalPending     ApprovalStatus = "PENDING"
	ApprovalApproved    ApprovalStatus = "APPROVED"
	ApprovalRejected    ApprovalStatus = "REJECTED"
)

// ActorRole distinguishes the two voting roles on a roster.
type ActorRole string

const (
	RoleApprover ActorRole = "approver"
	RoleVerifier ActorRole = "verifier"
)

// Valid reports whether the role is a known voting role.
func (r ActorRole) Valid() bool {
	return r == RoleApprover || r == RoleVerifier
}

// RosterEntry is one seeded voter and their individual decision. The roster
// rows are the single source of truth for votes; the aggregate statuses on
// the record are derived from them, never mutated directly.
type RosterEntry struct {
	Code      string
	Name      string
	Role      ActorRole
	Status    ApprovalStatus
	Seq       int
	DecidedAt *time.Time
}

// AlertBreached reports whether a flagged numeric reading falls outside its
// configured range. Non-numeric answers never breach.
func AlertBreached(answer string, minValue, maxValue *float64, alertFlag bool) bool {
	if !alertFlag {
		return false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(answer), 64)
	if err != nil {
		return false
	}
	if minValue != nil && value < *minValue {
		return true
	}
	if maxValue != nil && value > *maxValue {
		return true
	}
	return false
}
