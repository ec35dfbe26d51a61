package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/workflow/be/consensus"
	"github.com/fieldserve/backoffice/domains/workflow/be/repo"
	"github.com/fieldserve/backoffice/domains/workflow/be/statemachine"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/notify"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrNotFound = errors.New("record not found")
	// ErrNotReopenable is returned when reopen is requested on a record whose
	// verifier path was never rejected.
	ErrNotReopenable = errors.New("record is not in a reopenable state")
)

// VoteInput carries one actor decision against a record's roster.
type VoteInput struct {
	RecordID uuid.UUID
	Role     lifecycle.ActorRole
	Decision lifecycle.ApprovalStatus
	Remark   string
}

// TransitionInput carries one direct state-machine event.
type TransitionInput struct {
	RecordID     uuid.UUID
	Event        statemachine.Event
	CancelReason string
	Remark       string
}

// RecordState is the post-action snapshot returned by every workflow operation.
type RecordState struct {
	RecordID       uuid.UUID
	WorkStatus     lifecycle.WorkStatus
	PermitStatus   lifecycle.ApprovalStatus
	VerifierStatus lifecycle.ApprovalStatus
	Roster         []lifecycle.RosterEntry
}

// Service defines the workflow operations on lifecycle records.
type Service interface {
	Vote(ctx context.Context, actx actionctx.ActionContext, input VoteInput) (RecordState, error)
	Transition(ctx context.Context, actx actionctx.ActionContext, input TransitionInput) (RecordState, error)
	Reopen(ctx context.Context, actx actionctx.ActionContext, recordID uuid.UUID) (RecordState, error)
	AppendRemark(ctx context.Context, actx actionctx.ActionContext, recordID uuid.UUID, text string) error
	State(ctx context.Context, recordID uuid.UUID) (RecordState, error)
}

type service struct {
	repo       repo.Repository
	dispatcher notify.Dispatcher
	renderer   notify.Renderer
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs a workflow Service backed by the provided repository, event
// dispatcher and document renderer.
func New(r repo.Repository, dispatcher notify.Dispatcher, renderer notify.Renderer, logger *zap.Logger) Service {
	if r == nil {
		panic("workflow repository is required")
	}
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	if renderer == nil {
		renderer = notify.NewLogRenderer(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: r, dispatcher: dispatcher, renderer: renderer, logger: logger, now: time.Now}
}

func (s *service) Vote(ctx context.Context, actx actionctx.ActionContext, input VoteInput) (RecordState, error) {
	if err := actx.Validate(); err != nil {
		return RecordState{}, newValidationError(map[string]string{"actor": err.Error()})
	}

	fieldErrors := FieldErrors{}
	if input.RecordID == uuid.Nil {
		fieldErrors.add("recordId", "recordId is required")
	}
	if input.Role != lifecycle.RoleApprover && input.Role != lifecycle.RoleVerifier {
		fieldErrors.add("role", "role must be approver or verifier")
	}
	if input.Decision != lifecycle.ApprovalApproved && input.Decision != lifecycle.ApprovalRejected {
		fieldErrors.add("decision", "decision must be APPROVED or REJECTED")
	}
	if len(fieldErrors) > 0 {
		return RecordState{}, &ValidationError{Fields: fieldErrors}
	}

	var state RecordState
	var events []notify.Event
	var renders []notify.RenderRequest

	err := s.repo.RunWorkflowAction(ctx, input.RecordID, func(tx repo.ActionTx) error {
		record := tx.Record()
		if record.ParentID != nil {
			return newValidationError(map[string]string{"recordId": "votes are cast on root records only"})
		}
		if err := statemachine.GuardMutable(record.WorkStatus); err != nil {
			return err
		}

		// The aggregate for the voted role must still be open. A vote against
		// an already-final aggregate is an illegal action, not a re-vote.
		aggregate := record.PermitStatus
		if input.Role == lifecycle.RoleVerifier {
			aggregate = record.VerifierStatus
		}
		if aggregate != lifecycle.ApprovalPending {
			return &statemachine.IllegalTransitionError{From: record.WorkStatus, Event: statemachine.Event("vote:" + string(input.Role))}
		}

		entries, err := tx.Roster()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		updated, outcome, err := consensus.ApplyVote(entries, actx.ActorCode, input.Role, input.Decision, now)
		if err != nil {
			return err
		}
		if err := tx.SaveVote(actx.ActorCode, input.Role, input.Decision, now); err != nil {
			return err
		}

		params := persistence.WorkflowStateParams{
			WorkStatus:     record.WorkStatus,
			PermitStatus:   record.PermitStatus,
			VerifierStatus: record.VerifierStatus,
		}

		switch input.Role {
		case lifecycle.RoleApprover:
			params.PermitStatus = outcome
			switch outcome {
			case lifecycle.ApprovalApproved:
				result, err := statemachine.ApplyPermitApproval(record.WorkStatus, now)
				if err != nil {
					return err
				}
				params.WorkStatus = result.WorkStatus
				params.StartedAt = result.StartedAt
				// The approved permit document goes out with the notification.
				renders = append(renders, notify.RenderRequest{RecordID: record.ID, ClientID: record.ClientID})
				events = append(events, s.event(record, notify.KindApproved, updated, now))
			case lifecycle.ApprovalRejected:
				events = append(events, s.event(record, notify.KindRejected, updated, now))
			}
		case lifecycle.RoleVerifier:
			params.VerifierStatus = outcome
			if outcome == lifecycle.ApprovalRejected {
				result, err := statemachine.ApplyVerifierRejection(record.WorkStatus, now)
				if err != nil {
					return err
				}
				params.WorkStatus = result.WorkStatus
				// The permit cycle restarts after the correction, so the
				// aggregate falls back to PENDING rather than staying final.
				if record.PermitStatus != lifecycle.ApprovalNotRequired {
					params.PermitStatus = lifecycle.ApprovalPending
				}
				reason := strings.TrimSpace(input.Remark)
				if reason == "" {
					reason = "verifier rejection"
				}
				params.CancelReason = &reason
				events = append(events, s.event(record, notify.KindCancelled, updated, now))
			}
		}

		if err := tx.SaveState(params); err != nil {
			return err
		}

		state = RecordState{
			RecordID:       record.ID,
			WorkStatus:     params.WorkStatus,
			PermitStatus:   params.PermitStatus,
			VerifierStatus: params.VerifierStatus,
			Roster:         updated,
		}
		return nil
	})
	if err != nil {
		return RecordState{}, mapPersistenceError(err)
	}

	s.render(ctx, renders)
	s.dispatch(ctx, events)
	return state, nil
}

func (s *service) Transition(ctx context.Context, actx actionctx.ActionContext, input TransitionInput) (RecordState, error) {
	if err := actx.Validate(); err != nil {
		return RecordState{}, newValidationError(map[string]string{"actor": err.Error()})
	}

	fieldErrors := FieldErrors{}
	if input.RecordID == uuid.Nil {
		fieldErrors.add("recordId", "recordId is required")
	}
	if !input.Event.Valid() {
		fieldErrors.add("event", "event must be one of accept, decline, submit, close")
	}
	if input.Event == statemachine.EventDecline && strings.TrimSpace(input.CancelReason) == "" {
		fieldErrors.add("cancelReason", "cancelReason is required when declining")
	}
	if len(fieldErrors) > 0 {
		return RecordState{}, &ValidationError{Fields: fieldErrors}
	}

	var state RecordState
	var events []notify.Event

	err := s.repo.RunWorkflowAction(ctx, input.RecordID, func(tx repo.ActionTx) error {
		record := tx.Record()
		if record.ParentID != nil {
			return newValidationError(map[string]string{"recordId": "transitions apply to root records only"})
		}

		// A completed record may only be verified or closed once every
		// mandatory detail across the hierarchy carries an answer.
		if input.Event == statemachine.EventSubmit {
			missing, err := tx.UnansweredMandatory()
			if err != nil {
				return err
			}
			if missing > 0 {
				return newValidationError(map[string]string{"details": "mandatory sections are unanswered"})
			}
		}

		now := s.now().UTC()
		result, err := statemachine.Apply(record.WorkStatus, input.Event, now)
		if err != nil {
			return err
		}

		params := persistence.WorkflowStateParams{
			WorkStatus:     result.WorkStatus,
			PermitStatus:   record.PermitStatus,
			VerifierStatus: record.VerifierStatus,
			StartedAt:      result.StartedAt,
			EndedAt:        result.EndedAt,
			ClosedAt:       result.ClosedAt,
		}
		if result.Declined {
			reason := strings.TrimSpace(input.CancelReason)
			params.CancelReason = &reason
			entries, rosterErr := tx.Roster()
			if rosterErr != nil {
				return rosterErr
			}
			events = append(events, s.event(record, notify.KindCancelled, entries, now))
		}

		if err := tx.SaveState(params); err != nil {
			return err
		}

		state = RecordState{
			RecordID:       record.ID,
			WorkStatus:     params.WorkStatus,
			PermitStatus:   params.PermitStatus,
			VerifierStatus: params.VerifierStatus,
		}
		return nil
	})
	if err != nil {
		return RecordState{}, mapPersistenceError(err)
	}

	s.dispatch(ctx, events)
	return state, nil
}

func (s *service) Reopen(ctx context.Context, actx actionctx.ActionContext, recordID uuid.UUID) (RecordState, error) {
	if err := actx.Validate(); err != nil {
		return RecordState{}, newValidationError(map[string]string{"actor": err.Error()})
	}
	if recordID == uuid.Nil {
		return RecordState{}, ErrNotFound
	}

	var state RecordState
	var events []notify.Event

	err := s.repo.RunWorkflowAction(ctx, recordID, func(tx repo.ActionTx) error {
		record := tx.Record()
		if record.VerifierStatus != lifecycle.ApprovalRejected {
			return ErrNotReopenable
		}

		if err := tx.ResetVerifiers(); err != nil {
			return err
		}

		// Execution resumes where the rejection interrupted it: back into
		// the field when the permit already cleared, back to the assignee
		// otherwise.
		workStatus := lifecycle.WorkAssigned
		if record.PermitStatus == lifecycle.ApprovalApproved {
			workStatus = lifecycle.WorkInProgress
		}

		params := persistence.WorkflowStateParams{
			WorkStatus:     workStatus,
			PermitStatus:   record.PermitStatus,
			VerifierStatus: lifecycle.ApprovalPending,
		}
		if err := tx.SaveState(params); err != nil {
			return err
		}

		entries, err := tx.Roster()
		if err != nil {
			return err
		}
		events = append(events, s.event(record, notify.KindApprovalPending, consensus.ResetVerifiers(entries), s.now().UTC()))

		state = RecordState{
			RecordID:       record.ID,
			WorkStatus:     params.WorkStatus,
			PermitStatus:   params.PermitStatus,
			VerifierStatus: params.VerifierStatus,
			Roster:         consensus.ResetVerifiers(entries),
		}
		return nil
	})
	if err != nil {
		return RecordState{}, mapPersistenceError(err)
	}

	s.dispatch(ctx, events)
	return state, nil
}

func (s *service) AppendRemark(ctx context.Context, actx actionctx.ActionContext, recordID uuid.UUID, text string) error {
	if err := actx.Validate(); err != nil {
		return newValidationError(map[string]string{"actor": err.Error()})
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return newValidationError(map[string]string{"remark": "remark is required"})
	}
	if recordID == uuid.Nil {
		return ErrNotFound
	}

	// Remarks stay open on terminal records: audit trails outlive the
	// lifecycle, so no state-machine guard applies here.
	if err := s.repo.AppendRemark(ctx, recordID, trimmed); err != nil {
		return mapPersistenceError(err)
	}
	return nil
}

func (s *service) State(ctx context.Context, recordID uuid.UUID) (RecordState, error) {
	if recordID == uuid.Nil {
		return RecordState{}, ErrNotFound
	}

	record, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return RecordState{}, mapPersistenceError(err)
	}
	roster, err := s.repo.GetRoster(ctx, recordID)
	if err != nil {
		return RecordState{}, err
	}

	return RecordState{
		RecordID:       record.ID,
		WorkStatus:     record.WorkStatus,
		PermitStatus:   record.PermitStatus,
		VerifierStatus: record.VerifierStatus,
		Roster:         roster,
	}, nil
}

func (s *service) event(record persistence.Record, kind notify.EventKind, roster []lifecycle.RosterEntry, now time.Time) notify.Event {
	recipients := make([]string, 0, len(roster))
	for _, entry := range roster {
		recipients = append(recipients, entry.Code)
	}
	return notify.Event{
		RecordID:   record.ID,
		ClientID:   record.ClientID,
		Kind:       kind,
		Recipients: recipients,
		OccurredAt: now,
	}
}

// dispatch publishes collected events after the transaction committed. A
// delivery failure is logged, never propagated: notifications are
// fire-and-forget and must not fail a workflow action retroactively.
func (s *service) dispatch(ctx context.Context, events []notify.Event) {
	for _, event := range events {
		if err := s.dispatcher.Dispatch(ctx, event); err != nil {
			s.logger.Warn("event dispatch failed",
				zap.String("record_id", event.RecordID.String()),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
		}
	}
}

// render asks the collaborator for each document before the matching
// notification goes out. Same fire-and-forget contract as dispatch.
func (s *service) render(ctx context.Context, requests []notify.RenderRequest) {
	for _, req := range requests {
		if _, err := s.renderer.Render(ctx, req); err != nil {
			s.logger.Warn("document render failed",
				zap.String("record_id", req.RecordID.String()),
				zap.Error(err),
			)
		}
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrRecordNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func newValidationError(fields map[string]string) error {
	fe := FieldErrors{}
	for key, message := range fields {
		fe.add(key, message)
	}
	return &ValidationError{Fields: fe}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
