// Package notify defines the notification dispatcher port. The lifecycle
// engine emits events; delivery (push, mail, escalation fan-out) is an
// external collaborator that consumes them with at-least-once semantics.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies the workflow moments collaborators care about.
type EventKind string

const (
	KindApprovalPending EventKind = "approval_pending"
	KindApproved        EventKind = "approved"
	KindRejected        EventKind = "rejected"
	KindCancelled       EventKind = "cancelled"
	KindAlert           EventKind = "alert"
)

// Event is one fire-and-forget workflow notification.
type Event struct {
	RecordID   uuid.UUID `json:"record_id"`
	ClientID   uuid.UUID `json:"client_id"`
	Kind       EventKind `json:"kind"`
	Recipients []string  `json:"recipients"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Dispatcher publishes workflow events to whatever transport the deployment
// wires in. Implementations must not block the workflow action on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}
