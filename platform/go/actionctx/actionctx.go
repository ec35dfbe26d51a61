// Package actionctx carries the per-request action context: who is acting,
// which client/site scope they act in, and the caller-supplied timezone
// offset used when stamping lifecycle timestamps.
package actionctx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const ctxActionContext contextKey = "OPS_ACTION_CONTEXT"

// ActorKind represents who initiated an action.
type ActorKind string

const (
	ActorKindUser   ActorKind = "user"
	ActorKindDevice ActorKind = "device"
	ActorKindSystem ActorKind = "system"
)

// ActionContext is threaded explicitly through every allocator, consensus and
// state-machine call. Nothing in the workflow core reads ambient session state.
type ActionContext struct {
	ActorKind ActorKind
	ActorCode string
	ActorName string
	ClientID  uuid.UUID
	SiteID    uuid.UUID
	// TZOffsetMinutes is the caller's offset from UTC, e.g. +330 for IST.
	TZOffsetMinutes int
	RequestID       string
}

// Validate checks the fields every scoped operation depends on.
func (a ActionContext) Validate() error {
	if strings.TrimSpace(a.ActorCode) == "" {
		return errors.New("actor code is required")
	}
	if a.ClientID == uuid.Nil {
		return errors.New("client id is required")
	}
	if a.SiteID == uuid.Nil {
		return errors.New("site id is required")
	}
	return nil
}

// LocalTime shifts a UTC instant into the caller's declared offset.
func (a ActionContext) LocalTime(t time.Time) time.Time {
	return t.UTC().Add(time.Duration(a.TZOffsetMinutes) * time.Minute)
}

// IntoContext stores the ActionContext on the provided context.
func IntoContext(ctx context.Context, actx ActionContext) context.Context {
	return context.WithValue(ctx, ctxActionContext, actx)
}

// FromContext extracts the ActionContext, returning false when not present.
func FromContext(ctx context.Context) (ActionContext, bool) {
	if ctx == nil {
		return ActionContext{}, false
	}
	v := ctx.Value(ctxActionContext)
	if v == nil {
		return ActionContext{}, false
	}

	actx, ok := v.(ActionContext)
	return actx, ok
}

// FromContextOrSystem returns the stored ActionContext, or a system record
// scoped to nothing when absent (background jobs, tests).
func FromContextOrSystem(ctx context.Context) ActionContext {
	if actx, ok := FromContext(ctx); ok {
		return actx
	}
	return System("")
}

// System builds an ActionContext for background/system operations.
func System(requestID string) ActionContext {
	return ActionContext{ActorKind: ActorKindSystem, ActorCode: "system", RequestID: requestID}
}
