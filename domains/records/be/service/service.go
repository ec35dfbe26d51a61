package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/records/be/repo"
	"github.com/fieldserve/backoffice/domains/workflow/be/consensus"
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
	ErrNotFound       = errors.New("record not found")
	ErrParentTerminal = errors.New("parent record is terminal")
)

// DetailInput is one answer row within a section.
type DetailInput struct {
	CorrelationID   uuid.UUID
	QuestionID      uuid.UUID
	SeqNo           int
	Answer          string
	MinValue        *float64
	MaxValue        *float64
	Options         string
	Mandatory       bool
	AlertFlag       bool
	AttachmentCount int
}

// SectionInput is one child record with its answer rows.
type SectionInput struct {
	CorrelationID uuid.UUID
	SeqNo         int
	TemplateID    *uuid.UUID
	Remarks       string
	Details       []DetailInput
}

// CreateInput is the payload for a new lifecycle record hierarchy.
type CreateInput struct {
	Kind          lifecycle.RecordKind
	CorrelationID uuid.UUID
	PlannedStart  *time.Time
	PlannedEnd    *time.Time
	ExpiresAt     *time.Time
	AssetID       *uuid.UUID
	LocationID    *uuid.UUID
	VendorID      *uuid.UUID
	TemplateID    *uuid.UUID
	Remarks       string
	ApproverCodes []string
	VerifierCodes []string
	Sections      []SectionInput
}

// Service defines the record creation and retrieval operations.
type Service interface {
	Create(ctx context.Context, actx actionctx.ActionContext, input CreateInput) (persistence.Hierarchy, error)
	Get(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error)
	AppendSection(ctx context.Context, actx actionctx.ActionContext, rootID uuid.UUID, input SectionInput) (persistence.Record, error)
}

type service struct {
	repo       repo.Repository
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs a records Service backed by the provided repository.
func New(r repo.Repository, dispatcher notify.Dispatcher, logger *zap.Logger) Service {
	if r == nil {
		panic("records repository is required")
	}
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: r, dispatcher: dispatcher, logger: logger, now: time.Now}
}

func (s *service) Create(ctx context.Context, actx actionctx.ActionContext, input CreateInput) (persistence.Hierarchy, error) {
	if err := actx.Validate(); err != nil {
		return persistence.Hierarchy{}, newValidationError(map[string]string{"actor": err.Error()})
	}
	if err := validateCreate(input); err != nil {
		return persistence.Hierarchy{}, err
	}

	params, err := s.buildCreateParams(ctx, input)
	if err != nil {
		return persistence.Hierarchy{}, err
	}

	hierarchy, err := s.repo.CreateHierarchy(ctx, actx, params)
	if err != nil {
		return persistence.Hierarchy{}, mapPersistenceError(err)
	}

	s.emitCreateEvents(ctx, hierarchy, params.Roster)
	return hierarchy, nil
}

func (s *service) Get(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error) {
	if rootID == uuid.Nil {
		return persistence.Hierarchy{}, nil, ErrNotFound
	}

	hierarchy, err := s.repo.FetchHierarchy(ctx, rootID)
	if err != nil {
		return persistence.Hierarchy{}, nil, mapPersistenceError(err)
	}

	roster, err := s.repo.GetRoster(ctx, rootID)
	if err != nil {
		return persistence.Hierarchy{}, nil, err
	}

	return hierarchy, roster, nil
}

func (s *service) AppendSection(ctx context.Context, actx actionctx.ActionContext, rootID uuid.UUID, input SectionInput) (persistence.Record, error) {
	if err := actx.Validate(); err != nil {
		return persistence.Record{}, newValidationError(map[string]string{"actor": err.Error()})
	}
	if rootID == uuid.Nil {
		return persistence.Record{}, ErrNotFound
	}

	record, err := s.repo.AppendChild(ctx, actx, rootID, toChildInput(input))
	if err != nil {
		return persistence.Record{}, mapPersistenceError(err)
	}
	return record, nil
}

func validateCreate(input CreateInput) error {
	fieldErrors := FieldErrors{}

	payload, known := lifecycle.PayloadFor(input.Kind)
	if !known {
		fieldErrors.add("kind", "kind must be one of WORK_ORDER, WORK_PERMIT, SLA_ASSESSMENT")
	} else if payload.RequiresRoster() {
		if len(input.ApproverCodes) == 0 {
			fieldErrors.add("approvers", "at least one approver is required")
		}
	} else if len(input.ApproverCodes) > 0 || len(input.VerifierCodes) > 0 {
		fieldErrors.add("approvers", "work orders do not carry a vote roster")
	}
	if hasDuplicates(input.ApproverCodes) {
		fieldErrors.add("approvers", "approver codes must be unique")
	}
	if hasDuplicates(input.VerifierCodes) {
		fieldErrors.add("verifiers", "verifier codes must be unique")
	}

	if input.PlannedStart != nil && input.PlannedEnd != nil && !input.PlannedEnd.After(*input.PlannedStart) {
		fieldErrors.add("plannedEnd", "plannedEnd must be after plannedStart")
	}
	if input.ExpiresAt != nil && input.PlannedStart != nil && input.ExpiresAt.Before(*input.PlannedStart) {
		fieldErrors.add("expiresAt", "expiresAt cannot precede plannedStart")
	}

	for i, section := range input.Sections {
		for j, detail := range section.Details {
			if detail.QuestionID == uuid.Nil {
				fieldErrors.add("sections", sectionField(i, j, "questionId is required"))
			}
			if detail.MinValue != nil && detail.MaxValue != nil && *detail.MinValue > *detail.MaxValue {
				fieldErrors.add("sections", sectionField(i, j, "minValue cannot exceed maxValue"))
			}
		}
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

func (s *service) buildCreateParams(ctx context.Context, input CreateInput) (persistence.CreateHierarchyParams, error) {
	payload, _ := lifecycle.PayloadFor(input.Kind)
	permitStatus, verifierStatus := payload.InitialStatuses(len(input.VerifierCodes) > 0)

	params := persistence.CreateHierarchyParams{
		Root: persistence.RecordInput{
			CorrelationID:  input.CorrelationID,
			Kind:           input.Kind,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   permitStatus,
			VerifierStatus: verifierStatus,
			PlannedStart:   input.PlannedStart,
			PlannedEnd:     input.PlannedEnd,
			ExpiresAt:      input.ExpiresAt,
			AssetID:        input.AssetID,
			LocationID:     input.LocationID,
			VendorID:       input.VendorID,
			TemplateID:     input.TemplateID,
			Remarks:        input.Remarks,
		},
		AllocatePermit: payload.AllocatesPermit(),
	}

	for i, section := range input.Sections {
		child := toChildInput(section)
		if child.Record.SeqNo == 0 {
			child.Record.SeqNo = i + 1
		}
		child.Record.Kind = input.Kind
		child.Record.WorkStatus = lifecycle.WorkAssigned
		child.Record.PermitStatus = lifecycle.ApprovalNotRequired
		child.Record.VerifierStatus = lifecycle.ApprovalNotRequired
		params.Children = append(params.Children, child)
	}

	if payload.RequiresRoster() {
		codes := append(append([]string(nil), input.ApproverCodes...), input.VerifierCodes...)
		names, err := s.repo.ResolveActorNames(ctx, codes)
		if err != nil {
			return persistence.CreateHierarchyParams{}, err
		}
		params.Roster = consensus.Seed(input.ApproverCodes, input.VerifierCodes, names)
	}

	return params, nil
}

func toChildInput(section SectionInput) persistence.ChildInput {
	child := persistence.ChildInput{
		Record: persistence.RecordInput{
			CorrelationID:  section.CorrelationID,
			SeqNo:          section.SeqNo,
			TemplateID:     section.TemplateID,
			Remarks:        section.Remarks,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   lifecycle.ApprovalNotRequired,
			VerifierStatus: lifecycle.ApprovalNotRequired,
		},
	}
	for _, detail := range section.Details {
		child.Details = append(child.Details, persistence.DetailInput{
			CorrelationID:   detail.CorrelationID,
			QuestionID:      detail.QuestionID,
			SeqNo:           detail.SeqNo,
			Answer:          detail.Answer,
			MinValue:        detail.MinValue,
			MaxValue:        detail.MaxValue,
			Options:         detail.Options,
			Mandatory:       detail.Mandatory,
			AlertFlag:       detail.AlertFlag,
			AttachmentCount: detail.AttachmentCount,
		})
	}
	return child
}

// emitCreateEvents publishes the approval_pending kickoff plus one alert per
// out-of-range flagged reading. Creation is the only moment these fire; an
// offline resend of the same payload never re-triggers them.
func (s *service) emitCreateEvents(ctx context.Context, hierarchy persistence.Hierarchy, roster []lifecycle.RosterEntry) {
	now := s.now().UTC()

	var events []notify.Event
	if len(roster) > 0 {
		recipients := make([]string, 0, len(roster))
		for _, entry := range roster {
			recipients = append(recipients, entry.Code)
		}
		events = append(events, notify.Event{
			RecordID:   hierarchy.Root.ID,
			ClientID:   hierarchy.Root.ClientID,
			Kind:       notify.KindApprovalPending,
			Recipients: recipients,
			OccurredAt: now,
		})
	}

	for _, details := range hierarchy.Details {
		for _, detail := range details {
			if lifecycle.AlertBreached(detail.Answer, detail.MinValue, detail.MaxValue, detail.AlertFlag) {
				events = append(events, notify.Event{
					RecordID:   hierarchy.Root.ID,
					ClientID:   hierarchy.Root.ClientID,
					Kind:       notify.KindAlert,
					OccurredAt: now,
				})
				break
			}
		}
	}

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

func hasDuplicates(codes []string) bool {
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			return true
		}
		seen[code] = struct{}{}
	}
	return false
}

func sectionField(section, detail int, message string) string {
	return "section[" + strconv.Itoa(section) + "].details[" + strconv.Itoa(detail) + "]: " + message
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrParentTerminal):
		return ErrParentTerminal
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
