// Package statemachine contains the pure transition rules for record work
// statuses. No I/O: callers load the current state, ask for the transition,
// and persist the result inside their own transaction.
package statemachine

import (
	"fmt"
	"time"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// Event is a caller-initiated workflow action.
type Event string

const (
	// EventAccept moves an assigned record into execution.
	EventAccept Event = "accept"
	// EventDecline cancels an assigned record before work starts.
	EventDecline Event = "decline"
	// EventSubmit marks all sections submitted, completing execution.
	EventSubmit Event = "submit"
	// EventClose archives a completed record. Terminal.
	EventClose Event = "close"
)

// Valid reports whether the event is one of the known actions.
func (e Event) Valid() bool {
	switch e {
	case EventAccept, EventDecline, EventSubmit, EventClose:
		return true
	}
	return false
}

// IllegalTransitionError reports an action that is not valid from the current
// state. It is a distinct type so callers and handlers can classify it.
type IllegalTransitionError struct {
	From  lifecycle.WorkStatus
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s from %s", e.Event, e.From)
}

// TransitionResult captures the new work status plus the timestamp side
// effects the transition table prescribes.
type TransitionResult struct {
	WorkStatus lifecycle.WorkStatus
	StartedAt  *time.Time
	EndedAt    *time.Time
	ClosedAt   *time.Time
	// Declined is set when the assignee refused the record; the caller
	// records the denial reason.
	Declined bool
}

// Apply evaluates one direct event against the current work status.
// RE_ASSIGNED shares ASSIGNED's outgoing edges: reassignment marks ownership
// churn, not a distinct lifecycle stage.
func Apply(current lifecycle.WorkStatus, event Event, now time.Time) (TransitionResult, error) {
	switch event {
	case EventAccept:
		if current == lifecycle.WorkAssigned || current == lifecycle.WorkReassigned {
			return TransitionResult{WorkStatus: lifecycle.WorkInProgress, StartedAt: &now}, nil
		}
	case EventDecline:
		if current == lifecycle.WorkAssigned || current == lifecycle.WorkReassigned {
			return TransitionResult{WorkStatus: lifecycle.WorkCancelled, Declined: true}, nil
		}
	case EventSubmit:
		if current == lifecycle.WorkInProgress {
			return TransitionResult{WorkStatus: lifecycle.WorkCompleted, EndedAt: &now}, nil
		}
	case EventClose:
		if current == lifecycle.WorkCompleted {
			return TransitionResult{WorkStatus: lifecycle.WorkClosed, ClosedAt: &now}, nil
		}
	}

	return TransitionResult{}, &IllegalTransitionError{From: current, Event: event}
}

// GuardMutable rejects any workflow mutation on a terminal record. Remark
// appends are the single exception and bypass this guard.
func GuardMutable(current lifecycle.WorkStatus) error {
	if current.Terminal() {
		return &IllegalTransitionError{From: current, Event: "mutate"}
	}
	return nil
}

// ApplyPermitApproval moves work into execution once the approver roster is
// unanimous. Valid from any non-terminal state.
func ApplyPermitApproval(current lifecycle.WorkStatus, now time.Time) (TransitionResult, error) {
	if err := GuardMutable(current); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{WorkStatus: lifecycle.WorkInProgress, StartedAt: &now}, nil
}

// ApplyVerifierRejection cancels work after a unanimous verifier rejection.
// Valid from any non-terminal state.
func ApplyVerifierRejection(current lifecycle.WorkStatus, now time.Time) (TransitionResult, error) {
	if err := GuardMutable(current); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{WorkStatus: lifecycle.WorkCancelled}, nil
}
